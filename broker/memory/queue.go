package memory

import (
	"sync"
	"time"

	"github.com/drblury/flowrpc/broker"
)

type pending struct {
	msg   broker.Message
	timer *time.Timer
}

// subscriptionState is the queue behind one subscription. Deliveries move a
// message from queue to outstanding; ack removes it, nack or an expired ack
// deadline puts it back at the front.
type subscriptionState struct {
	name            string
	topic           string
	config          broker.SubscriptionConfig
	filter          *broker.Filter
	ackDeadline     time.Duration
	redeliveryDelay time.Duration

	mu          sync.Mutex
	queue       []*pending
	outstanding map[string]*pending
	busyKeys    map[string]struct{}
	changed     chan struct{}
	deleted     bool
}

func newSubscriptionState(name, topic string, config broker.SubscriptionConfig, filter *broker.Filter, ackDeadline, redeliveryDelay time.Duration) *subscriptionState {
	return &subscriptionState{
		name:            name,
		topic:           topic,
		config:          config,
		filter:          filter,
		ackDeadline:     ackDeadline,
		redeliveryDelay: redeliveryDelay,
		outstanding:     make(map[string]*pending),
		busyKeys:        make(map[string]struct{}),
		changed:         make(chan struct{}),
	}
}

// signalLocked wakes every receiver waiting on the current changed channel.
func (s *subscriptionState) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *subscriptionState) enqueue(msg broker.Message) {
	msg.Attributes = cloneAttributes(msg.Attributes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return
	}
	s.queue = append(s.queue, &pending{msg: msg})
	s.signalLocked()
}

// next takes the first deliverable message. When none is available it returns
// the channel that will be closed on the next state change.
func (s *subscriptionState) next(maxOutstanding int) (broker.Message, *pending, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return broker.Message{}, nil, nil, false
	}
	if maxOutstanding > 0 && len(s.outstanding) >= maxOutstanding {
		return broker.Message{}, nil, s.changed, true
	}
	for i, p := range s.queue {
		key := p.msg.OrderingKey
		if s.config.EnableMessageOrdering && key != "" {
			if _, busy := s.busyKeys[key]; busy {
				continue
			}
			s.busyKeys[key] = struct{}{}
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		p.msg.DeliveryAttempt++
		s.outstanding[p.msg.ID] = p
		id := p.msg.ID
		p.timer = time.AfterFunc(s.ackDeadline, func() { s.expire(id) })
		delivered := p.msg
		delivered.Attributes = cloneAttributes(p.msg.Attributes)
		return delivered, p, nil, true
	}
	return broker.Message{}, nil, s.changed, true
}

func (s *subscriptionState) ack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.outstanding[id]
	if !ok {
		return
	}
	s.settleLocked(p)
	s.signalLocked()
}

func (s *subscriptionState) nack(id string) {
	s.mu.Lock()
	p, ok := s.outstanding[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.settleLocked(p)
	if s.redeliveryDelay <= 0 {
		s.requeueLocked(p)
		s.mu.Unlock()
		return
	}
	// The key stays busy until the delayed redelivery so that later messages
	// with the same key cannot overtake it.
	s.holdKeyLocked(p.msg.OrderingKey)
	s.mu.Unlock()

	time.AfterFunc(s.redeliveryDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.busyKeys, p.msg.OrderingKey)
		s.requeueLocked(p)
	})
}

func (s *subscriptionState) expire(id string) {
	s.nack(id)
}

func (s *subscriptionState) settleLocked(p *pending) {
	delete(s.outstanding, p.msg.ID)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.msg.OrderingKey != "" {
		delete(s.busyKeys, p.msg.OrderingKey)
	}
}

func (s *subscriptionState) holdKeyLocked(key string) {
	if s.config.EnableMessageOrdering && key != "" {
		s.busyKeys[key] = struct{}{}
	}
}

func (s *subscriptionState) requeueLocked(p *pending) {
	if s.deleted {
		return
	}
	s.queue = append([]*pending{p}, s.queue...)
	s.signalLocked()
}

// release returns a message that was taken but never handed to a receiver.
func (s *subscriptionState) release(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[p.msg.ID]; !ok {
		return
	}
	s.settleLocked(p)
	p.msg.DeliveryAttempt--
	s.requeueLocked(p)
}

func (s *subscriptionState) markDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	for _, p := range s.outstanding {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	s.queue = nil
	s.outstanding = make(map[string]*pending)
	s.signalLocked()
}

func (s *subscriptionState) backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.outstanding)
}

type acker struct {
	state *subscriptionState
	id    string
}

func (a acker) Ack()  { a.state.ack(a.id) }
func (a acker) Nack() { a.state.nack(a.id) }
