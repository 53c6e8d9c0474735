package runtime

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowrpc/internal/runtime/handlers"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
)

// Middleware wraps a handler. Middlewares see every request and event
// handler invocation; replies are published after the chain returns.
type Middleware func(handlers.HandlerFunc) handlers.HandlerFunc

// MiddlewareBuilder constructs a handler middleware using the provided server instance.
type MiddlewareBuilder func(*Server) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Server.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Server constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogRequestsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		TimeoutMiddleware(0),
	}
}

// MetricsMiddleware registers the server collectors and serves them on
// /metrics when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Server) (Middleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			if s.metrics == nil {
				s.metrics = NewMetrics(prometheus.DefaultRegisterer)
			}
			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.metrics.gatherer(), promhttp.HandlerOpts{}))
			}
			return nil, nil
		},
	}
}

// LogRequestsMiddleware logs every handled request with its metadata.
func LogRequestsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_requests",
		Builder: func(s *Server) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log requests middleware requires a logger")
			}
			return logRequestsMiddleware(l), nil
		},
	}
}

// TracerMiddleware annotates the handler span with request details.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// TimeoutMiddleware bounds handler execution. A zero timeout uses
// ServerConfig.HandlerTimeout; when both are zero the middleware is skipped.
func TimeoutMiddleware(timeout time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(s *Server) (Middleware, error) {
			d := timeout
			if d <= 0 {
				d = s.Conf.HandlerTimeout
			}
			if d <= 0 {
				return nil, nil
			}
			return timeoutMiddleware(d), nil
		},
	}
}

// RegisterMiddleware appends the supplied middleware to the handler chain.
// The first registered middleware is the outermost one.
func (s *Server) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	return nil
}

// wrap applies the middleware chain to handler.
func (s *Server) wrap(handler handlers.HandlerFunc) handlers.HandlerFunc {
	s.mu.RLock()
	chain := s.middlewares
	s.mu.RUnlock()

	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}
	return handler
}

func logRequestsMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(h handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, req *handlers.Request) (any, error) {
			logger.Debug("Processing request", loggingpkg.MessageFields(req.Pattern, req.CorrelationID, req.MessageID).Merge(loggingpkg.LogFields{
				"event":            req.IsEvent(),
				"payload_bytes":    len(req.Body),
				"metadata":         req.Metadata,
				"delivery_attempt": req.DeliveryAttempt,
			}))
			return h(ctx, req)
		}
	}
}

func tracerMiddleware(h handlers.HandlerFunc) handlers.HandlerFunc {
	return func(ctx context.Context, req *handlers.Request) (any, error) {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("messaging.message.id", req.MessageID),
			attribute.Int("messaging.delivery_attempt", req.DeliveryAttempt),
			attribute.Int("messaging.message.body.size", len(req.Body)),
		)
		result, err := h(ctx, req)
		if err != nil {
			span.AddEvent("handler returned error", trace.WithAttributes(attribute.String("error", err.Error())))
		}
		return result, err
	}
}

// timeoutMiddleware gives the handler a deadline and stops waiting for it
// once the deadline passes, whether or not the handler watches its context.
// The derived context stays alive while the handler's result is streamed and
// is released together with the dispatch context; channel results stop at
// the same deadline.
func timeoutMiddleware(d time.Duration) Middleware {
	type outcome struct {
		result any
		err    error
	}
	return func(h handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, req *handlers.Request) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			context.AfterFunc(ctx, cancel)

			done := make(chan outcome, 1)
			go func() {
				result, err := callSafely(tctx, h, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				if o.err != nil {
					return nil, asTimeout(o.err)
				}
				return timeoutSeq(handlers.NormalizeResult(tctx, o.result)), nil
			case <-tctx.Done():
				return nil, asTimeout(tctx.Err())
			}
		}
	}
}

func timeoutSeq(seq iter.Seq2[any, error]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for v, err := range seq {
			if !yield(v, asTimeout(err)) {
				return
			}
		}
	}
}
