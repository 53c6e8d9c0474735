// Package kafka provides a Kafka transport for flowrpc. Ordering keys become
// partition keys and each subscription name becomes a consumer group.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrpc/internal/runtime/metadata"
	"github.com/drblury/flowrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ErrNoBrokers is returned when the config lists no Kafka brokers.
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Overridable constructors for tests.
var (
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

// clientIDConfig is implemented by configs that name the Kafka client.
type clientIDConfig interface {
	GetKafkaClientID() string
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, ErrNoBrokers
	}
	var clientID string
	if c, ok := cfg.(clientIDConfig); ok {
		clientID = c.GetKafkaClientID()
	}

	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID != "" {
		pubSarama.ClientID = clientID
	}
	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: pubSarama,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Debug("Kafka publisher ready", watermill.LogFields{"brokers": brokers, "client_id": clientID})

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(subscription string) (message.Subscriber, error) {
			subSarama := kafka.DefaultSaramaSubscriberConfig()
			if clientID != "" {
				subSarama.ClientID = clientID
			}
			return SubscriberFactory(kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				ConsumerGroup:         subscription,
				OverwriteSaramaConfig: subSarama,
			}, logger)
		},
		Capabilities: transport.KafkaCapabilities,
	}, nil
}

// PartitionKey keys a message by its ordering key. Messages without one are
// spread across partitions.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(metadata.KeyOrderingKey), nil
}
