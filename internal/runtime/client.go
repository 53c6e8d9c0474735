package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/propagation"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	idspkg "github.com/drblury/flowrpc/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	"github.com/drblury/flowrpc/internal/runtime/naming"
	"github.com/drblury/flowrpc/internal/runtime/provision"
)

// ClientState is a step of the client lifecycle.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("ClientState(%d)", int32(s))
}

// ClientDependencies holds the optional collaborators of a Client. Leave
// fields nil to use the defaults.
type ClientDependencies struct {
	// Serializer turns packets into outbound requests. Defaults to an
	// EnvelopeSerializer using the configured codec.
	Serializer codec.Serializer
	// Deserializer decodes replies. Defaults to codec.ReplyDeserializer.
	Deserializer codec.ResponseDeserializer
	// NewCorrelationID assigns correlation ids. Defaults to ULIDs.
	NewCorrelationID func() string
	// InstanceID overrides the generated instance id.
	InstanceID string
	// OpenBroker opens a replacement broker when Connect follows Close.
	// Defaults to the broker's own Reopen.
	OpenBroker broker.Opener
	Metrics    *Metrics
	// Propagator carries trace context in request attributes. Defaults to
	// the global otel propagator.
	Propagator propagation.TextMapPropagator
}

// Client is the calling side: it publishes requests, owns the routing table
// and consumes replies from its reply subscription.
type Client struct {
	conf   configpkg.ClientConfig
	Logger loggingpkg.ServiceLogger

	broker       *brokerSession
	codec        codec.Codec
	serializer   codec.Serializer
	deserializer codec.ResponseDeserializer
	newID        func() string
	metrics      *Metrics
	propagator   propagation.TextMapPropagator
	instanceID   string

	routes *routingTable

	// lifecycle serializes Connect and Close.
	lifecycle sync.Mutex

	mu             sync.RWMutex
	state          ClientState
	topic          broker.Topic
	replyTopicName string
	replySub       broker.Subscription
	stopReplies    context.CancelFunc
	repliesDone    chan struct{}
}

// NewClient validates conf and builds a disconnected client. The client owns
// b and closes it in Close; a later Connect opens a new broker.
func NewClient(conf *configpkg.ClientConfig, b broker.Broker, logger loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if b == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	c, err := codec.ByName(conf.Codec)
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	client := &Client{
		conf:         *conf,
		broker:       newBrokerSession(b, deps.OpenBroker),
		codec:        c,
		serializer:   deps.Serializer,
		deserializer: deps.Deserializer,
		newID:        deps.NewCorrelationID,
		metrics:      deps.Metrics,
		propagator:   deps.Propagator,
		instanceID:   deps.InstanceID,
		routes:       newRoutingTable(),
	}
	if client.serializer == nil {
		client.serializer = codec.EnvelopeSerializer{Codec: c}
	}
	if client.deserializer == nil {
		client.deserializer = codec.ReplyDeserializer{}
	}
	if client.newID == nil {
		client.newID = idspkg.CreateULID
	}
	if client.instanceID == "" {
		client.instanceID = idspkg.NewInstanceID()
	}
	client.Logger = logger.With(loggingpkg.LogFields{loggingpkg.FieldInstanceID: client.instanceID})
	return client, nil
}

// InstanceID returns the identity this client tags its requests with.
func (c *Client) InstanceID() string { return c.instanceID }

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ReplyTopic returns the resolved reply topic name, empty when the client
// has no reply channel or is not connected.
func (c *Client) ReplyTopic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replyTopicName
}

// Pending returns the number of requests awaiting a terminal outcome.
func (c *Client) Pending() int {
	return c.routes.len()
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Connect provisions the request topic and, when a reply topic is
// configured, the reply topic and subscription, then starts consuming
// replies. Calling Connect on a connected client does nothing.
func (c *Client) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() == StateConnected {
		return nil
	}
	c.setState(StateConnecting)

	b, err := c.broker.acquire(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	policy := provision.Policy{Init: c.conf.Init, CheckExistence: c.conf.CheckExistence}
	topicName := naming.Scoped(c.conf.ScopePrefix, c.conf.Topic)
	topic := b.Topic(topicName, c.conf.Publish)
	if err := provision.EnsureTopic(ctx, topic, policy); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	var (
		replyTopicName string
		replySub       broker.Subscription
		stop           context.CancelFunc
		done           chan struct{}
	)
	if c.conf.ReplyTopic != "" {
		replyTopicName = naming.Isolated(c.conf.ScopePrefix, c.conf.ReplyTopic, c.instanceID, c.conf.IsolateReplyTopic)
		replyTopic := b.Topic(replyTopicName, c.conf.Publish)
		if err := provision.EnsureTopic(ctx, replyTopic, policy); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		subName := naming.Isolated(c.conf.ScopePrefix, c.conf.ReplySubscription, c.instanceID, c.conf.IsolateReplySubscription)
		subConfig := c.conf.ReplySubscriptionConfig
		subConfig.Filter = naming.ReplyFilter(c.instanceID, c.conf.FilterByInstance, subConfig.Filter)
		replySub = replyTopic.Subscription(subName, c.conf.ReplyReceive)
		if err := provision.EnsureSubscription(ctx, replySub, subConfig, policy); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		var listenCtx context.Context
		listenCtx, stop = context.WithCancel(context.Background())
		deliveries, err := replySub.Receive(listenCtx)
		if err != nil {
			stop()
			c.setState(StateDisconnected)
			return fmt.Errorf("receive replies on %q: %w", subName, err)
		}
		done = make(chan struct{})
		go c.consumeReplies(deliveries, done)

		c.Logger.Info("Listening for replies", loggingpkg.LogFields{
			loggingpkg.FieldTopic:        replyTopicName,
			loggingpkg.FieldSubscription: subName,
			"filter":                     subConfig.Filter,
		})
	}

	c.mu.Lock()
	c.topic = topic
	c.replyTopicName = replyTopicName
	c.replySub = replySub
	c.stopReplies = stop
	c.repliesDone = done
	c.state = StateConnected
	c.mu.Unlock()

	c.Logger.Info("Client connected", loggingpkg.LogFields{loggingpkg.FieldTopic: topicName})
	return nil
}

// Close flushes outstanding publishes, deletes or closes the reply
// subscription and closes the broker. The client can be connected again
// afterwards. Pending requests are not resolved;
// their timers still fire.
func (c *Client) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state == StateDisconnected && c.topic == nil {
		c.mu.Unlock()
		return c.broker.release(ctx)
	}
	c.state = StateClosing
	topic, replySub, stop, done := c.topic, c.replySub, c.stopReplies, c.repliesDone
	c.mu.Unlock()

	var errs []error
	if topic != nil {
		if err := topic.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %q: %w", topic.Name(), err))
		}
	}
	if replySub != nil {
		if stop != nil {
			stop()
		}
		if err := c.closeReplySubscription(ctx, replySub); err != nil {
			errs = append(errs, err)
		}
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
			}
		}
	}
	if err := c.broker.release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}

	c.mu.Lock()
	c.topic = nil
	c.replyTopicName = ""
	c.replySub = nil
	c.stopReplies = nil
	c.repliesDone = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.Logger.Info("Client closed", nil)
	return errors.Join(errs...)
}

func (c *Client) closeReplySubscription(ctx context.Context, sub broker.Subscription) error {
	if c.conf.DeleteReplySubscriptionOnShutdown {
		err := sub.Delete(ctx)
		if err == nil {
			return nil
		}
		c.Logger.Error("Deleting reply subscription failed; closing it instead", err, loggingpkg.LogFields{
			loggingpkg.FieldSubscription: sub.Name(),
		})
	}
	if err := sub.Close(ctx); err != nil {
		return fmt.Errorf("close subscription %q: %w", sub.Name(), err)
	}
	return nil
}

func (c *Client) requestTopic() (broker.Topic, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topic, c.replyTopicName
}
