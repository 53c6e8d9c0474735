// Package http provides an HTTP transport for flowrpc.
//
// Publishing POSTs each message to the publisher URL with the topic appended.
// All subscribers built from one transport share a single HTTP server; the
// subscription name is ignored because a POST reaches exactly one listener.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// ErrClosed is returned when subscribing through a closed transport or handle.
var ErrClosed = errors.New("http: transport is closed")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	server := &sharedServer{addr: cfg.GetHTTPServerAddress(), logger: logger}
	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(string) (message.Subscriber, error) {
			if err := server.init(); err != nil {
				return nil, err
			}
			return &subscriber{server: server}, nil
		},
		Capabilities: transport.HTTPCapabilities,
		Close: func() error {
			return errors.Join(publisher.Close(), server.close())
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// sharedServer owns the one watermill HTTP subscriber of a transport. The
// server is started after the first topic route is registered.
type sharedServer struct {
	addr   string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	inner   message.Subscriber
	started bool
	closed  bool
}

func (s *sharedServer) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.inner != nil {
		return nil
	}
	inner, err := SubscriberFactory(s.addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, s.logger)
	if err != nil {
		return err
	}
	s.inner = inner
	return nil
}

func (s *sharedServer) subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inner == nil {
		return nil, ErrClosed
	}
	out, err := s.inner.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if !s.started {
		s.started = true
		if hs, ok := s.inner.(*http.Subscriber); ok {
			go func() {
				if err := hs.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					s.logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": s.addr})
				}
			}()
		}
	}
	return out, nil
}

func (s *sharedServer) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.inner == nil {
		return nil
	}
	return s.inner.Close()
}

// subscriber cancels its own subscriptions on Close and leaves the shared
// server running for the other handles.
type subscriber struct {
	server *sharedServer

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	out, err := s.server.subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}
	s.cancels = append(s.cancels, cancel)
	return out, nil
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}
