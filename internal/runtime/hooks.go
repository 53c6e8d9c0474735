package runtime

import (
	"context"
	"time"

	"github.com/drblury/flowrpc/internal/runtime/handlers"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
	"github.com/drblury/flowrpc/internal/runtime/naming"
)

// JobContext provides information about a handler invocation to hooks.
type JobContext struct {
	// Pattern is the encoded pattern of the request.
	Pattern string
	// Topic is the request topic the message was received from.
	Topic string
	// CorrelationID is empty for events.
	CorrelationID string
	MessageID     string
	// Metadata contains the user-defined attributes of the message.
	Metadata metadata.Metadata
	Context  context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnJobDone and OnJobError).
	Duration        time.Duration
	DeliveryAttempt int
}

// JobHooks defines callbacks for handler lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler function is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a handler returns without error.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a handler returns an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// around every handler invocation.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Server) (Middleware, error) {
			return jobHooksMiddleware(naming.Scoped(s.Conf.ScopePrefix, s.Conf.Topic), hooks), nil
		},
	}
}

func jobHooksMiddleware(topic string, hooks JobHooks) Middleware {
	return func(h handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, req *handlers.Request) (any, error) {
			jobCtx := JobContext{
				Pattern:         req.Pattern,
				Topic:           topic,
				CorrelationID:   req.CorrelationID,
				MessageID:       req.MessageID,
				Metadata:        req.Metadata,
				Context:         ctx,
				StartedAt:       time.Now(),
				DeliveryAttempt: req.DeliveryAttempt,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			result, err := h(ctx, req)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return result, err
		}
	}
}

// LoggingHooks returns pre-built hooks that log handler lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.MessageFields(ctx.Pattern, ctx.CorrelationID, ctx.MessageID).Merge(loggingpkg.LogFields{
			loggingpkg.FieldTopic: ctx.Topic,
		})
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", fields(ctx).Merge(loggingpkg.LogFields{
				"delivery_attempt": ctx.DeliveryAttempt,
			}))
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", fields(ctx).Merge(loggingpkg.LogFields{
				"duration_ms": ctx.Duration.Milliseconds(),
			}))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, fields(ctx).Merge(loggingpkg.LogFields{
				"duration_ms":      ctx.Duration.Milliseconds(),
				"delivery_attempt": ctx.DeliveryAttempt,
			}))
		},
	}
}

// MetricsHooks returns pre-built hooks that report handler invocations by
// pattern and topic.
func MetricsHooks(onStart, onDone, onError func(pattern, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Pattern, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Pattern, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Pattern, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on handler errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
