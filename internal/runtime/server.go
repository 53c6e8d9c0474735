package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/handlers"
	idspkg "github.com/drblury/flowrpc/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	"github.com/drblury/flowrpc/internal/runtime/naming"
	"github.com/drblury/flowrpc/internal/runtime/provision"
)

// shutdownTimeout bounds Close when Run returns after its context ended.
const shutdownTimeout = 30 * time.Second

// ServerState is a step of the server lifecycle.
type ServerState int32

const (
	StateIdle ServerState = iota
	StateListening
	StateStopping
)

func (s ServerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopping:
		return "closing"
	}
	return fmt.Sprintf("ServerState(%d)", int32(s))
}

// ServerDependencies holds the optional collaborators that the Server can
// use. Leave fields nil to use the defaults.
type ServerDependencies struct {
	// Parser reconstructs requests from messages. Defaults to
	// codec.AttributeParser.
	Parser codec.RequestParser
	// ReplySerializer frames reply bodies. Defaults to a ReplySerializer
	// using the configured codec.
	ReplySerializer codec.ResponseSerializer
	// OpenBroker opens a replacement broker when Listen follows Close.
	// Defaults to the broker's own Reopen.
	OpenBroker broker.Opener
	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips the default middleware chain.
	DisableDefaultMiddlewares bool
	ErrorClassifier           ErrorClassifier
	Metrics                   *Metrics
	Propagator                propagation.TextMapPropagator
	// Clock is used to judge request staleness. Defaults to time.Now.
	Clock func() time.Time
}

// Server is the serving side: it consumes the request subscription,
// dispatches requests to handlers by pattern and publishes their replies.
type Server struct {
	Conf   configpkg.ServerConfig
	Logger loggingpkg.ServiceLogger

	broker          *brokerSession
	codec           codec.Codec
	parser          codec.RequestParser
	replySerializer codec.ResponseSerializer
	registry        *handlers.Registry
	middlewares     []Middleware
	metrics         *Metrics
	propagator      propagation.TextMapPropagator
	now             func() time.Time
	instanceID      string

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker

	handlerInfos []*HandlerInfo
	handlersMu   sync.RWMutex

	lifecycle      sync.Mutex
	mu             sync.RWMutex
	state          ServerState
	topicName      string
	sub            broker.Subscription
	stopReceiving  context.CancelFunc
	cancelHandlers context.CancelFunc
	done           chan struct{}
	ready          chan struct{}

	replyMu     sync.Mutex
	replyTopics map[string]broker.Topic

	httpServers   map[int]*http.ServeMux
	httpRunning   []*http.Server
	httpServersMu sync.Mutex
}

// NewServer validates conf and builds an idle server. Register handlers on
// the returned Server before calling Listen or Run. The server owns b and
// closes it in Close; a later Listen opens a new broker.
func NewServer(conf *configpkg.ServerConfig, b broker.Broker, logger loggingpkg.ServiceLogger, deps ServerDependencies) (*Server, error) {
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

	s := &Server{
		Conf:            *conf,
		broker:          newBrokerSession(b, deps.OpenBroker),
		codec:           c,
		parser:          deps.Parser,
		replySerializer: deps.ReplySerializer,
		registry:        handlers.NewRegistry(),
		metrics:         deps.Metrics,
		propagator:      deps.Propagator,
		now:             deps.Clock,
		instanceID:      idspkg.NewInstanceID(),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
		replyTopics:     make(map[string]broker.Topic),
		ready:           make(chan struct{}),
	}
	if s.parser == nil {
		s.parser = codec.AttributeParser{}
	}
	if s.replySerializer == nil {
		s.replySerializer = codec.ReplySerializer{Codec: c}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	s.Logger = logger.With(loggingpkg.LogFields{loggingpkg.FieldInstanceID: s.instanceID})

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Server) registerConfiguredMiddlewares(deps ServerDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Handle registers the request handler for pattern.
func (s *Server) Handle(pattern any, handler handlers.HandlerFunc) error {
	key, err := s.registry.Register(pattern, handler)
	if err != nil {
		return err
	}
	s.trackHandler(key, HandlerKindRequest)
	return nil
}

// HandleEvent adds an event handler for pattern.
func (s *Server) HandleEvent(pattern any, handler handlers.HandlerFunc) error {
	key, err := s.registry.RegisterEvent(pattern, handler)
	if err != nil {
		return err
	}
	s.trackHandler(key, HandlerKindEvent)
	return nil
}

// Registry exposes the handler registry.
func (s *Server) Registry() *handlers.Registry { return s.registry }

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready is closed once the server receives requests.
func (s *Server) Ready() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Listen provisions the request topic and subscription and starts
// dispatching. It returns once the subscription is receiving.
func (s *Server) Listen(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == StateListening {
		return nil
	}

	b, err := s.broker.acquire(ctx)
	if err != nil {
		return err
	}

	policy := provision.Policy{Init: s.Conf.Init, CheckExistence: s.Conf.CheckExistence}
	topicName := naming.Scoped(s.Conf.ScopePrefix, s.Conf.Topic)
	topic := b.Topic(topicName, broker.PublishSettings{})
	if err := provision.EnsureTopic(ctx, topic, policy); err != nil {
		return err
	}
	subName := naming.Scoped(s.Conf.ScopePrefix, s.Conf.Subscription)
	sub := topic.Subscription(subName, s.Conf.Receive)
	if err := provision.EnsureSubscription(ctx, sub, s.Conf.SubscriptionConfig, policy); err != nil {
		return err
	}

	receiveCtx, stopReceiving := context.WithCancel(context.WithoutCancel(ctx))
	deliveries, err := sub.Receive(receiveCtx)
	if err != nil {
		stopReceiving()
		return fmt.Errorf("receive requests on %q: %w", subName, err)
	}
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.topicName = topicName
	s.sub = sub
	s.stopReceiving = stopReceiving
	s.cancelHandlers = cancelHandlers
	s.done = done
	s.state = StateListening
	ready := s.ready
	s.mu.Unlock()

	go s.serve(handlerCtx, deliveries, done)
	close(ready)

	s.Logger.Info("Server listening", loggingpkg.LogFields{
		loggingpkg.FieldTopic:        topicName,
		loggingpkg.FieldSubscription: subName,
		"ack_mode":                   string(s.Conf.AckMode),
		"patterns":                   s.registry.Patterns(),
	})
	return nil
}

// Run listens, serves the HTTP endpoints when metrics are enabled and blocks
// until ctx is done, then closes the server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	s.StartHTTP()
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.Close(closeCtx)
}

// Close stops receiving, waits for running handlers until ctx is done,
// flushes every reply topic used and closes the broker. The server returns
// to idle and can listen again.
func (s *Server) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return errors.Join(s.stopHTTP(ctx), s.broker.release(ctx))
	}
	s.state = StateStopping
	sub, stop, cancelHandlers, done := s.sub, s.stopReceiving, s.cancelHandlers, s.done
	s.mu.Unlock()

	var errs []error
	stop()
	if err := sub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close subscription %q: %w", sub.Name(), err))
	}
	select {
	case <-done:
	case <-ctx.Done():
		cancelHandlers()
		errs = append(errs, fmt.Errorf("waiting for handlers: %w", ctx.Err()))
	}
	cancelHandlers()

	errs = append(errs, s.flushReplyTopics(ctx)...)
	if err := s.stopHTTP(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.broker.release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}

	s.mu.Lock()
	s.sub = nil
	s.stopReceiving = nil
	s.cancelHandlers = nil
	s.done = nil
	s.state = StateIdle
	s.ready = make(chan struct{})
	s.mu.Unlock()

	s.Logger.Info("Server closed", nil)
	return errors.Join(errs...)
}

func (s *Server) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}
