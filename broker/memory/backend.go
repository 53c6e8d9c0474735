// Package memory is an in-process broker. A Backend holds topics and
// subscriptions; every Conn made from it sees the same state, the way separate
// clients of one messaging cluster do. It honours subscription filters,
// ordering keys, ack deadlines and nack redelivery.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/ids"
)

const (
	defaultAckDeadline            = 10 * time.Second
	defaultMaxOutstandingMessages = 1000
)

// PublishInterceptor runs before a message is stored. A non-nil error fails
// the publish as if the broker had rejected it.
type PublishInterceptor func(topic string, msg broker.Message) error

type options struct {
	ackDeadline     time.Duration
	redeliveryDelay time.Duration
	interceptor     PublishInterceptor
	now             func() time.Time
}

// Option configures a Backend.
type Option func(*options)

// WithAckDeadline sets the default time a delivered message may stay
// unacknowledged before it is redelivered.
func WithAckDeadline(d time.Duration) Option {
	return func(o *options) { o.ackDeadline = d }
}

// WithRedeliveryDelay delays redelivery of nacked or expired messages.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(o *options) { o.redeliveryDelay = d }
}

// WithPublishInterceptor installs fn on every publish.
func WithPublishInterceptor(fn PublishInterceptor) Option {
	return func(o *options) { o.interceptor = fn }
}

// WithClock overrides the source of publish timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Backend is the shared state of an in-memory cluster.
type Backend struct {
	mu            sync.Mutex
	topics        map[string]*topicState
	subscriptions map[string]*subscriptionState
	opts          options
}

// Default is the backend used by connections built from configuration.
var Default = NewBackend()

func NewBackend(opts ...Option) *Backend {
	o := options{
		ackDeadline: defaultAckDeadline,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Backend{
		topics:        make(map[string]*topicState),
		subscriptions: make(map[string]*subscriptionState),
		opts:          o,
	}
}

// Connect returns a new connection to the backend.
func (b *Backend) Connect() *Conn {
	return &Conn{
		backend: b,
		topics:  make(map[string]*topic),
		cancels: make(map[int]func()),
	}
}

// Topics lists the names of existing topics.
func (b *Backend) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscriptions lists the names of existing subscriptions.
func (b *Backend) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.subscriptions))
	for name := range b.subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backlog returns the number of messages of a subscription that are queued or
// awaiting acknowledgement.
func (b *Backend) Backlog(subscription string) int {
	b.mu.Lock()
	state, ok := b.subscriptions[subscription]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return state.backlog()
}

// SubscriptionConfig returns the creation parameters of a subscription.
func (b *Backend) SubscriptionConfig(subscription string) (broker.SubscriptionConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.subscriptions[subscription]
	if !ok {
		return broker.SubscriptionConfig{}, false
	}
	return state.config, true
}

type topicState struct {
	name          string
	subscriptions map[string]*subscriptionState
}

func (b *Backend) createTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return broker.AlreadyExists("topic", name)
	}
	b.topics[name] = &topicState{name: name, subscriptions: make(map[string]*subscriptionState)}
	return nil
}

func (b *Backend) topicExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[name]
	return ok
}

func (b *Backend) createSubscription(topic, name string, config broker.SubscriptionConfig) error {
	filter, err := broker.CompileFilter(config.Filter)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[topic]
	if !ok {
		return broker.NotFound("topic", topic)
	}
	if _, ok := b.subscriptions[name]; ok {
		return broker.AlreadyExists("subscription", name)
	}
	deadline := config.AckDeadline
	if deadline <= 0 {
		deadline = b.opts.ackDeadline
	}
	state := newSubscriptionState(name, topic, config, filter, deadline, b.opts.redeliveryDelay)
	b.subscriptions[name] = state
	ts.subscriptions[name] = state
	return nil
}

func (b *Backend) subscription(name string) (*subscriptionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.subscriptions[name]
	return state, ok
}

func (b *Backend) deleteSubscription(name string) error {
	b.mu.Lock()
	state, ok := b.subscriptions[name]
	if !ok {
		b.mu.Unlock()
		return broker.NotFound("subscription", name)
	}
	delete(b.subscriptions, name)
	if ts, ok := b.topics[state.topic]; ok {
		delete(ts.subscriptions, name)
	}
	b.mu.Unlock()

	state.markDeleted()
	return nil
}

func (b *Backend) publish(topic string, msg broker.Message) (string, error) {
	if b.opts.interceptor != nil {
		if err := b.opts.interceptor(topic, msg); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	ts, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return "", broker.NotFound("topic", topic)
	}
	targets := make([]*subscriptionState, 0, len(ts.subscriptions))
	for _, sub := range ts.subscriptions {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	stored := broker.Message{
		ID:          ids.CreateULID(),
		Data:        append([]byte(nil), msg.Data...),
		Attributes:  cloneAttributes(msg.Attributes),
		OrderingKey: msg.OrderingKey,
		PublishTime: b.opts.now(),
	}
	for _, sub := range targets {
		if sub.filter.Matches(stored.Attributes) {
			sub.enqueue(stored)
		}
	}
	return stored.ID, nil
}

func cloneAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
