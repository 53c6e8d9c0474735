// Package wmbroker runs the broker contract on top of any watermill
// transport. Watermill transports provision topics and subscriptions on first
// use and know nothing of ordering-key pauses or attribute filters, so this
// package keeps that state itself:
//
//   - Create records the resource and runs the transport's
//     SubscribeInitializer when it has one.
//   - Exists always reports true.
//   - A failed publish with an ordering key pauses the key locally until
//     ResumePublishing.
//   - Filters are evaluated on receipt; messages that do not match are acked
//     and dropped.
//   - The ordering key and publish time travel in reserved metadata keys.
package wmbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/transport"
)

// Broker adapts a transport.Transport to broker.Broker.
type Broker struct {
	tr     transport.Transport
	logger watermill.LoggerAdapter
	now    func() time.Time
	reopen broker.Opener

	mu            sync.Mutex
	topics        map[string]*topic
	subscriptions map[string]*subscriptionState
	subscribers   []message.Subscriber
	closed        bool
}

var (
	_ broker.Broker   = (*Broker)(nil)
	_ broker.Reopener = (*Broker)(nil)
)

// ErrNotReopenable is returned by Reopen on a broker built with New, which
// has no configuration to build a second transport from.
var ErrNotReopenable = errors.New("wmbroker: broker was not opened from a config")

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the source of publish timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New wraps tr. The broker owns tr from now on and closes it in Close.
func New(tr transport.Transport, logger watermill.LoggerAdapter, opts ...Option) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	b := &Broker{
		tr:            tr,
		logger:        logger,
		now:           time.Now,
		topics:        make(map[string]*topic),
		subscriptions: make(map[string]*subscriptionState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open builds the transport named by cfg through the default transport
// registry and wraps it.
func Open(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*Broker, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	tr, err := transport.DefaultRegistry.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b := New(tr, logger)
	b.reopen = func(ctx context.Context) (broker.Broker, error) {
		return Open(ctx, cfg, logger)
	}
	return b, nil
}

// Reopen builds a new transport from the config the broker was opened with.
func (b *Broker) Reopen(ctx context.Context) (broker.Broker, error) {
	if b.reopen == nil {
		return nil, ErrNotReopenable
	}
	return b.reopen(ctx)
}

// Capabilities reports what the underlying transport supports.
func (b *Broker) Capabilities() transport.Capabilities {
	return b.tr.Capabilities
}

// Topic returns the cached handle for name.
func (b *Broker) Topic(name string, settings broker.PublishSettings) broker.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &topic{broker: b, name: name, settings: settings, paused: make(map[string]struct{})}
	b.topics[name] = t
	return t
}

// Close stops every subscriber, then the publisher and the transport.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subscribers := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	var errs []error
	for _, sub := range subscribers {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.tr.Publisher != nil {
		if err := b.tr.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.tr.Close != nil {
		if err := b.tr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.Closed("connection", b.tr.Capabilities.Name)
	}
	return nil
}

func (b *Broker) newSubscriber(subscription string) (message.Subscriber, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if b.tr.NewSubscriber == nil {
		return nil, fmt.Errorf("transport %q cannot subscribe", b.tr.Capabilities.Name)
	}
	sub, err := b.tr.NewSubscriber(subscription)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = sub.Close()
		return nil, broker.Closed("connection", b.tr.Capabilities.Name)
	}
	b.subscribers = append(b.subscribers, sub)
	return sub, nil
}

func (b *Broker) forget(sub message.Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

type subscriptionState struct {
	topic  string
	config broker.SubscriptionConfig
	filter *broker.Filter
}

func (b *Broker) createSubscription(topic, name string, config broker.SubscriptionConfig) error {
	filter, err := broker.CompileFilter(config.Filter)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[name]; ok {
		return broker.AlreadyExists("subscription", name)
	}
	b.subscriptions[name] = &subscriptionState{topic: topic, config: config, filter: filter}
	return nil
}

func (b *Broker) subscription(name string) (*subscriptionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.subscriptions[name]
	return state, ok
}

func (b *Broker) deleteSubscription(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, name)
}
