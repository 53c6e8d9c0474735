// Package broker defines the publish/subscribe contract the RPC engines are
// built on. A Broker hands out named topics; a topic hands out named
// subscriptions. Creation is explicit and reports "already exists" and "not
// found" as gRPC status errors so that callers can treat provisioning as
// idempotent.
package broker

import (
	"context"
	"time"
)

// Broker is a connection to a messaging system.
type Broker interface {
	// Topic returns a handle for the named topic. It does not create it.
	Topic(name string, settings PublishSettings) Topic
	// Close releases the connection. Handles obtained from it become unusable.
	Close(ctx context.Context) error
}

// Opener creates a broker connection.
type Opener func(ctx context.Context) (Broker, error)

// Reopener is implemented by brokers that can open a fresh connection to the
// same backend once they have been closed.
type Reopener interface {
	Reopen(ctx context.Context) (Broker, error)
}

// Topic is a named channel messages are published to.
type Topic interface {
	Name() string
	Create(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
	// Publish sends msg and returns the broker-assigned message id. A failed
	// publish with an ordering key pauses that key until ResumePublishing.
	Publish(ctx context.Context, msg Message) (string, error)
	ResumePublishing(orderingKey string)
	Subscription(name string, settings ReceiveSettings) Subscription
	// Flush waits for publishes that are still in flight.
	Flush(ctx context.Context) error
}

// Subscription is a named cursor over the messages of one topic.
type Subscription interface {
	Name() string
	Create(ctx context.Context, config SubscriptionConfig) error
	Exists(ctx context.Context) (bool, error)
	// Receive starts delivery. The channel yields messages and errors until ctx
	// is cancelled or the subscription is closed, then it is closed.
	Receive(ctx context.Context) (<-chan Delivery, error)
	Close(ctx context.Context) error
	Delete(ctx context.Context) error
}

// PublishSettings tune a topic handle.
type PublishSettings struct {
	// EnableMessageOrdering makes the handle honour ordering keys.
	EnableMessageOrdering bool `yaml:"enable_message_ordering"`
	// Timeout bounds a single publish. Zero means no bound beyond ctx.
	Timeout time.Duration `yaml:"timeout"`
}

// ReceiveSettings tune a subscription handle.
type ReceiveSettings struct {
	// MaxOutstandingMessages caps unacknowledged deliveries. Zero uses the
	// backend default.
	MaxOutstandingMessages int `yaml:"max_outstanding_messages"`
}

// SubscriptionConfig holds declarative creation parameters.
type SubscriptionConfig struct {
	// Filter is a boolean expression over message attributes, for example
	// `attributes.flowrpc_instance_id == "abc"`. Empty delivers everything.
	Filter                string            `yaml:"filter"`
	AckDeadline           time.Duration     `yaml:"ack_deadline"`
	EnableMessageOrdering bool              `yaml:"enable_message_ordering"`
	Labels                map[string]string `yaml:"labels"`
}

// Delivery is either a received message or a receive error.
type Delivery struct {
	Message *Message
	Err     error
}
