// Package transport defines the watermill-backed transports flowrpc can run on.
// Each transport implementation (kafka, rabbitmq, aws, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// SubscriberFactory builds a subscriber bound to one named subscription.
// Subscribers built for the same name share the subscription's messages
// (consumer group, queue group, durable consumer or queue, depending on the
// transport); subscribers built for different names each see every message.
type SubscriberFactory func(subscription string) (message.Subscriber, error)

// Transport combines a publisher with a subscriber factory.
type Transport struct {
	Publisher     message.Publisher
	NewSubscriber SubscriberFactory
	Capabilities  Capabilities
	// Close releases resources shared by the publisher and subscribers. It may
	// be nil.
	Close func() error
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
