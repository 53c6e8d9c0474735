package transport

// Capabilities describes what a transport backend offers natively. The broker
// adapter emulates what is missing.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrderingKeys indicates messages sharing a key are delivered in
	// publish order (partition key, message group). When false, ordering-key
	// pausing is tracked by the broker adapter only.
	SupportsOrderingKeys bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsSharedSubscriptions indicates subscribers with the same
	// subscription name split the message stream between them.
	SupportsSharedSubscriptions bool

	// PreservesMetadata indicates message metadata survives the round trip.
	// Request/reply needs it; transports without it rely on body fallbacks.
	PreservesMetadata bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresOrderingEmulation returns true if ordering keys are not native.
func (c Capabilities) RequiresOrderingEmulation() bool {
	return !c.SupportsOrderingKeys
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsAck:       true,
		SupportsNack:      true,
		PreservesMetadata: true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:                        "kafka",
		SupportsOrderingKeys:        true,
		SupportsAck:                 true,
		SupportsSharedSubscriptions: true,
		PreservesMetadata:           true,
		MaxMessageSize:              1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:                        "rabbitmq",
		SupportsAck:                 true,
		SupportsNack:                true,
		SupportsSharedSubscriptions: true,
		PreservesMetadata:           true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:                        "nats",
		SupportsSharedSubscriptions: true,
		PreservesMetadata:           true,
		MaxMessageSize:              1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream.
	NATSJetStreamCapabilities = Capabilities{
		Name:                        "nats-jetstream",
		SupportsAck:                 true,
		SupportsNack:                true,
		SupportsSharedSubscriptions: true,
		PreservesMetadata:           true,
		MaxMessageSize:              1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:                        "aws",
		SupportsAck:                 true,
		SupportsNack:                true,
		SupportsSharedSubscriptions: true,
		PreservesMetadata:           true,
		MaxMessageSize:              262144, // 256KB
	}

	// HTTPCapabilities for HTTP push.
	HTTPCapabilities = Capabilities{
		Name:              "http",
		PreservesMetadata: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a Capabilities value holding only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
