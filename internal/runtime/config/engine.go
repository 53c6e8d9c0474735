package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/flowrpc/broker"
)

// AckMode decides when the server settles a request message.
type AckMode string

const (
	// AckAuto acknowledges before the handler runs.
	AckAuto AckMode = "auto"
	// AckAfterResponse acknowledges once every reply was published.
	AckAfterResponse AckMode = "after_response"
	// AckManual leaves settlement to the handler.
	AckManual AckMode = "manual"
)

const (
	DefaultTopic        = "default_topic"
	DefaultSubscription = "default_subscription"
	DefaultMetricsPort  = 9090
)

// ClientConfig configures the calling side.
type ClientConfig struct {
	Broker BrokerConfig `yaml:"broker"`

	// ScopePrefix is prepended to every topic and subscription name.
	ScopePrefix string `yaml:"scope_prefix"`

	Topic   string                 `yaml:"topic"`
	Publish broker.PublishSettings `yaml:"publish"`

	// ReplyTopic enables request/reply. Without it the client can only emit
	// events.
	ReplyTopic              string                    `yaml:"reply_topic"`
	ReplySubscription       string                    `yaml:"reply_subscription"`
	ReplyReceive            broker.ReceiveSettings    `yaml:"reply_receive"`
	ReplySubscriptionConfig broker.SubscriptionConfig `yaml:"reply_subscription_config"`

	// IsolateReplyTopic and IsolateReplySubscription suffix the respective
	// name with the instance id.
	IsolateReplyTopic        bool `yaml:"isolate_reply_topic"`
	IsolateReplySubscription bool `yaml:"isolate_reply_subscription"`
	// FilterByInstance restricts the reply subscription to replies tagged
	// with this instance's id.
	FilterByInstance bool `yaml:"filter_by_instance"`

	Init           bool `yaml:"init"`
	CheckExistence bool `yaml:"check_existence"`
	// AutoResume resumes a paused ordering key after a failed publish.
	AutoResume bool `yaml:"auto_resume"`
	// DeleteReplySubscriptionOnShutdown deletes the reply subscription in
	// Close, falling back to closing it.
	DeleteReplySubscriptionOnShutdown bool `yaml:"delete_reply_subscription_on_shutdown"`
	// LogLateReplies logs replies whose request already completed. They are
	// dropped silently otherwise.
	LogLateReplies bool `yaml:"log_late_replies"`

	// DefaultTimeout applies to requests that carry no timeout of their own.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// Codec names the payload codec: "json" or "protojson".
	Codec string `yaml:"codec"`
}

// DefaultClientConfig returns the settings a client starts from.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Topic:      DefaultTopic,
		Init:       true,
		AutoResume: true,
		Codec:      "json",
	}
}

// Validate reports every invalid setting at once.
func (c *ClientConfig) Validate() error {
	var errs []error
	if err := c.Broker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Topic) == "" {
		errs = append(errs, errors.New("client: topic is required"))
	}
	if c.ReplyTopic != "" && strings.TrimSpace(c.ReplySubscription) == "" {
		errs = append(errs, errors.New("client: reply subscription is required with a reply topic"))
	}
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("client: default timeout cannot be negative"))
	}
	errs = append(errs, validateTuning("client", c.Publish, c.ReplyReceive)...)
	errs = append(errs, validateCodec(c.Codec)...)
	return errors.Join(errs...)
}

// ServerConfig configures the serving side.
type ServerConfig struct {
	Broker BrokerConfig `yaml:"broker"`

	ScopePrefix string `yaml:"scope_prefix"`

	Topic              string                    `yaml:"topic"`
	Subscription       string                    `yaml:"subscription"`
	Receive            broker.ReceiveSettings    `yaml:"receive"`
	SubscriptionConfig broker.SubscriptionConfig `yaml:"subscription_config"`
	// ReplyPublish tunes the handles replies are published through.
	ReplyPublish broker.PublishSettings `yaml:"reply_publish"`

	AckMode        AckMode `yaml:"ack_mode"`
	Init           bool    `yaml:"init"`
	CheckExistence bool    `yaml:"check_existence"`

	// HandlerTimeout bounds a single handler invocation. Zero disables it.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// MaxConcurrency caps handlers running at once. Zero means one per
	// outstanding message.
	MaxConcurrency int `yaml:"max_concurrency"`

	Codec string `yaml:"codec"`

	// MetricsEnabled exposes /metrics and /api/handlers on MetricsPort.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
	// CORSAllowedOrigins specifies allowed origins for the handler API. Use
	// "*" for development. Empty disables CORS headers.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// DefaultServerConfig returns the settings a server starts from.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Topic:        DefaultTopic,
		Subscription: DefaultSubscription,
		AckMode:      AckAuto,
		Init:         true,
		Codec:        "json",
		MetricsPort:  DefaultMetricsPort,
	}
}

// Validate reports every invalid setting at once.
func (c *ServerConfig) Validate() error {
	var errs []error
	if err := c.Broker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Topic) == "" {
		errs = append(errs, errors.New("server: topic is required"))
	}
	if strings.TrimSpace(c.Subscription) == "" {
		errs = append(errs, errors.New("server: subscription is required"))
	}
	switch c.AckMode {
	case AckAuto, AckAfterResponse, AckManual:
	default:
		errs = append(errs, fmt.Errorf("server: unknown ack mode %q", c.AckMode))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, errors.New("server: handler timeout cannot be negative"))
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, errors.New("server: max concurrency cannot be negative"))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	errs = append(errs, validateTuning("server", c.ReplyPublish, c.Receive)...)
	errs = append(errs, validateCodec(c.Codec)...)
	return errors.Join(errs...)
}

func validateTuning(side string, publish broker.PublishSettings, receive broker.ReceiveSettings) []error {
	var errs []error
	if publish.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s: publish timeout cannot be negative", side))
	}
	if receive.MaxOutstandingMessages < 0 {
		errs = append(errs, fmt.Errorf("%s: max outstanding messages cannot be negative", side))
	}
	return errs
}

func validateCodec(name string) []error {
	switch name {
	case "", "json", "protojson":
		return nil
	}
	return []error{fmt.Errorf("codec: unknown codec %q", name)}
}
