package memory

import (
	"context"
	"sync"

	"github.com/drblury/flowrpc/broker"
)

// Conn is one client connection to a Backend.
type Conn struct {
	backend *Backend

	mu      sync.Mutex
	topics  map[string]*topic
	cancels map[int]func()
	nextID  int
	closed  bool
}

var (
	_ broker.Broker   = (*Conn)(nil)
	_ broker.Reopener = (*Conn)(nil)
)

// Topic returns the handle for name. Handles are cached per connection, so
// paused ordering keys are shared by every caller holding the same name.
func (c *Conn) Topic(name string, settings broker.PublishSettings) broker.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.topics[name]; ok {
		return t
	}
	t := &topic{conn: c, name: name, settings: settings, paused: make(map[string]struct{})}
	c.topics[name] = t
	return t
}

// Close stops every receive loop started through this connection.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = make(map[int]func())
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Reopen returns a new connection to the same backend.
func (c *Conn) Reopen(context.Context) (broker.Broker, error) {
	return c.backend.Connect(), nil
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.Closed("connection", "memory")
	}
	return nil
}

func (c *Conn) track(cancel func()) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, broker.Closed("connection", "memory")
	}
	c.nextID++
	c.cancels[c.nextID] = cancel
	return c.nextID, nil
}

func (c *Conn) untrack(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, id)
}

type topic struct {
	conn     *Conn
	name     string
	settings broker.PublishSettings

	mu       sync.Mutex
	paused   map[string]struct{}
	inflight broker.InFlight
}

func (t *topic) Name() string { return t.name }

func (t *topic) Create(ctx context.Context) error {
	if err := t.conn.checkOpen(); err != nil {
		return err
	}
	return t.conn.backend.createTopic(t.name)
}

func (t *topic) Exists(ctx context.Context) (bool, error) {
	if err := t.conn.checkOpen(); err != nil {
		return false, err
	}
	return t.conn.backend.topicExists(t.name), nil
}

func (t *topic) Publish(ctx context.Context, msg broker.Message) (string, error) {
	if err := t.conn.checkOpen(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := msg.OrderingKey
	t.mu.Lock()
	if _, paused := t.paused[key]; paused && key != "" {
		t.mu.Unlock()
		return "", broker.OrderingKeyPaused(key)
	}
	t.inflight.Begin()
	t.mu.Unlock()
	defer t.inflight.End()

	id, err := t.conn.backend.publish(t.name, msg)
	if err != nil {
		if key != "" {
			t.mu.Lock()
			t.paused[key] = struct{}{}
			t.mu.Unlock()
		}
		return "", err
	}
	return id, nil
}

func (t *topic) ResumePublishing(orderingKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paused, orderingKey)
}

func (t *topic) Subscription(name string, settings broker.ReceiveSettings) broker.Subscription {
	return &subscription{conn: t.conn, topic: t.name, name: name, settings: settings, cancels: make(map[int]func())}
}

func (t *topic) Flush(ctx context.Context) error {
	return t.inflight.Wait(ctx)
}

type subscription struct {
	conn     *Conn
	topic    string
	name     string
	settings broker.ReceiveSettings

	mu      sync.Mutex
	cancels map[int]func()
	nextID  int
}

func (s *subscription) Name() string { return s.name }

func (s *subscription) Create(ctx context.Context, config broker.SubscriptionConfig) error {
	if err := s.conn.checkOpen(); err != nil {
		return err
	}
	return s.conn.backend.createSubscription(s.topic, s.name, config)
}

func (s *subscription) Exists(ctx context.Context) (bool, error) {
	if err := s.conn.checkOpen(); err != nil {
		return false, err
	}
	_, ok := s.conn.backend.subscription(s.name)
	return ok, nil
}

func (s *subscription) Receive(ctx context.Context) (<-chan broker.Delivery, error) {
	state, ok := s.conn.backend.subscription(s.name)
	if !ok {
		return nil, broker.NotFound("subscription", s.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	connID, err := s.conn.track(cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	s.mu.Lock()
	s.nextID++
	subID := s.nextID
	s.cancels[subID] = cancel
	s.mu.Unlock()

	maxOutstanding := s.settings.MaxOutstandingMessages
	if maxOutstanding == 0 {
		maxOutstanding = defaultMaxOutstandingMessages
	}

	out := make(chan broker.Delivery)
	go func() {
		defer func() {
			cancel()
			s.conn.untrack(connID)
			s.mu.Lock()
			delete(s.cancels, subID)
			s.mu.Unlock()
			close(out)
		}()
		s.pump(ctx, state, maxOutstanding, out)
	}()
	return out, nil
}

func (s *subscription) pump(ctx context.Context, state *subscriptionState, maxOutstanding int, out chan<- broker.Delivery) {
	for {
		msg, p, wait, ok := state.next(maxOutstanding)
		if !ok {
			return
		}
		if p == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}

		delivery := broker.Delivery{Message: broker.NewReceived(msg, acker{state: state, id: msg.ID})}
		select {
		case out <- delivery:
		case <-ctx.Done():
			state.release(p)
			return
		}
	}
}

// Close stops the receive loops started through this handle. Messages that
// were delivered but not settled are redelivered after their ack deadline.
func (s *subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = make(map[int]func())
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (s *subscription) Delete(ctx context.Context) error {
	if err := s.conn.checkOpen(); err != nil {
		return err
	}
	if err := s.conn.backend.deleteSubscription(s.name); err != nil {
		return err
	}
	return s.Close(ctx)
}
