package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/handlers"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
)

// serve dispatches deliveries until the channel closes. MaxConcurrency caps
// the number of messages handled at once; without it every outstanding
// message gets its own goroutine.
func (s *Server) serve(ctx context.Context, deliveries <-chan broker.Delivery, done chan<- struct{}) {
	defer close(done)

	var g errgroup.Group
	if s.Conf.MaxConcurrency > 0 {
		g.SetLimit(s.Conf.MaxConcurrency)
	}
	for d := range deliveries {
		if d.Err != nil {
			s.Logger.Error("Request subscription error", d.Err, nil)
			continue
		}
		if d.Message == nil {
			continue
		}
		msg := d.Message
		g.Go(func() error {
			_ = s.HandleMessage(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

// HandleMessage processes one request message: it parses it, rejects it
// when stale, dispatches it and publishes the replies. Failures are reported
// to the caller through error replies; the returned error only informs the
// delivery loop and is never fatal.
func (s *Server) HandleMessage(ctx context.Context, msg *broker.Message) error {
	in, err := s.parser.Parse(msg)
	if err != nil {
		s.metrics.messageHandled("", ResultMalformed)
		var msgID string
		if msg != nil {
			msgID = msg.ID
			msg.Nack()
		}
		s.Logger.Error("Malformed request; leaving it for redelivery", err, loggingpkg.MessageFields("", "", msgID))
		return err
	}

	if s.Conf.AckMode == configpkg.AckAuto {
		msg.Ack()
	}

	ctx = extractTrace(ctx, s.propagator, msg.Attributes)
	logger := s.Logger.With(loggingpkg.MessageFields(in.Headers.Pattern, in.Headers.ID, msg.ID))

	if s.expired(in) {
		s.metrics.messageHandled(in.Headers.Pattern, ResultExpired)
		logger.Debug("Request expired before dispatch", loggingpkg.LogFields{
			"timeout":      in.Headers.Timeout.String(),
			"publish_time": in.PublishTime,
		})
		err := s.replyError(ctx, in, 0, fmt.Errorf("%w: %s expired before dispatch", errspkg.ErrRequestTimeout, in.Headers.Pattern))
		s.settleUnhandled(msg, err)
		return err
	}

	if in.Headers.IsEvent() {
		return s.dispatchEvent(ctx, in, msg, logger)
	}

	handler, ok := s.registry.Lookup(in.Headers.Pattern)
	if !ok {
		s.metrics.messageHandled(in.Headers.Pattern, ResultNoHandler)
		logger.Debug("No handler registered for pattern", nil)
		err := s.replyError(ctx, in, 0, fmt.Errorf("%w: %s", errspkg.ErrNoHandlerRegistered, in.Headers.Pattern))
		s.settleUnhandled(msg, err)
		return err
	}
	return s.dispatchRequest(ctx, in, msg, handler, logger)
}

// expired reports whether the request outlived its timeout before dispatch.
func (s *Server) expired(in codec.InboundRequest) bool {
	if in.Headers.Timeout <= 0 || in.PublishTime.IsZero() {
		return false
	}
	return s.now().Sub(in.PublishTime) >= in.Headers.Timeout
}

// handlerContext bounds a handler by the request's own deadline.
func (s *Server) handlerContext(ctx context.Context, in codec.InboundRequest) (context.Context, context.CancelFunc) {
	if in.Headers.Timeout > 0 && !in.PublishTime.IsZero() {
		remaining := in.Headers.Timeout - s.now().Sub(in.PublishTime)
		return context.WithTimeout(ctx, remaining)
	}
	return context.WithCancel(ctx)
}

func (s *Server) dispatchRequest(ctx context.Context, in codec.InboundRequest, msg *broker.Message, handler handlers.HandlerFunc, logger loggingpkg.ServiceLogger) error {
	pattern := in.Headers.Pattern
	ctx, span := tracer().Start(ctx, "flowrpc.handle "+pattern,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messageSpanAttributes(pattern, in.Headers.ID, s.topicName)...),
	)
	defer span.End()

	hctx, cancel := s.handlerContext(ctx, in)
	defer cancel()

	req := handlers.NewRequest(in, msg, s.codec, logger, s.Conf.AckMode == configpkg.AckManual)
	stats := s.statsFor(pattern)
	token := stats.onMessageStart(in)
	started := time.Now()

	result, handlerErr := s.invoke(hctx, handler, req)
	var (
		sent   int
		pubErr error
	)
	if handlerErr != nil {
		handlerErr = asTimeout(handlerErr)
		pubErr = s.replyError(ctx, in, 0, handlerErr)
	} else {
		sent, handlerErr, pubErr = s.streamReplies(ctx, hctx, in, result)
	}

	elapsed := time.Since(started)
	s.metrics.handlerObserved(pattern, elapsed)
	stats.onMessageFinish(token, elapsed, errors.Join(handlerErr, pubErr), s.getErrorClassifier())

	outcome := ResultOK
	if handlerErr != nil {
		outcome = ResultError
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
		logger.Error("Handler failed", handlerErr, loggingpkg.LogFields{"replies": sent})
	}
	s.metrics.messageHandled(pattern, outcome)

	if pubErr != nil {
		logger.Error("Publishing reply failed", pubErr, loggingpkg.LogFields{"reply_to": in.Headers.ReplyTo})
	}
	if s.Conf.AckMode == configpkg.AckAfterResponse {
		settle(msg, pubErr)
	}
	return pubErr
}

// dispatchEvent hands an event to every event handler of its pattern. Their
// results are discarded and their errors only logged.
func (s *Server) dispatchEvent(ctx context.Context, in codec.InboundRequest, msg *broker.Message, logger loggingpkg.ServiceLogger) error {
	pattern := in.Headers.Pattern
	eventHandlers := s.registry.Events(pattern)
	if len(eventHandlers) == 0 {
		s.metrics.messageHandled(pattern, ResultNoHandler)
		logger.Debug("No event handler registered for pattern; dropping event", nil)
		s.settleUnhandled(msg, nil)
		return nil
	}

	ctx, span := tracer().Start(ctx, "flowrpc.event "+pattern,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messageSpanAttributes(pattern, "", s.topicName)...),
	)
	defer span.End()

	hctx, cancel := s.handlerContext(ctx, in)
	defer cancel()

	stats := s.statsFor(pattern)
	var errs []error
	for _, handler := range eventHandlers {
		req := handlers.NewRequest(in, msg, s.codec, logger, s.Conf.AckMode == configpkg.AckManual)
		token := stats.onMessageStart(in)
		started := time.Now()
		result, err := s.invoke(hctx, handler, req)
		if err == nil {
			err = drain(hctx, result)
		}
		elapsed := time.Since(started)
		s.metrics.handlerObserved(pattern, elapsed)
		stats.onMessageFinish(token, elapsed, err, s.getErrorClassifier())
		if err != nil {
			logger.Error("Event handler failed", err, nil)
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.messageHandled(pattern, ResultError)
	} else {
		s.metrics.messageHandled(pattern, ResultEvent)
	}
	if s.Conf.AckMode == configpkg.AckAfterResponse {
		msg.Ack()
	}
	return nil
}

// invoke runs handler through the middleware chain. A panic becomes a
// handler failure.
func (s *Server) invoke(ctx context.Context, handler handlers.HandlerFunc, req *handlers.Request) (any, error) {
	return callSafely(ctx, s.wrap(handler), req)
}

// callSafely runs h and turns a panic into ErrHandlerFailure.
func callSafely(ctx context.Context, h handlers.HandlerFunc, req *handlers.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if req.Logger != nil {
				req.Logger.Error("Handler panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{"stack": string(debug.Stack())})
			}
			result, err = nil, fmt.Errorf("%w: panic: %v", errspkg.ErrHandlerFailure, r)
		}
	}()
	return h(ctx, req)
}

// streamReplies publishes every value of result. One value is held back so
// that the last one can be marked disposed; an empty result yields a single
// disposed reply without value and an error ends the sequence with an error
// reply. It returns the number of values sent, the handler-side error and
// the publish error.
func (s *Server) streamReplies(ctx, hctx context.Context, in codec.InboundRequest, result any) (sent int, handlerErr, pubErr error) {
	var (
		pending    any
		hasPending bool
	)
	flush := func(disposed bool) error {
		err := s.replyValue(ctx, in, sent, pending, disposed)
		hasPending = false
		if err == nil {
			sent++
		}
		return err
	}

	handlerErr = rangeSafely(handlers.NormalizeResult(hctx, result), func(v any) bool {
		if hasPending {
			if pubErr = flush(false); pubErr != nil {
				return false
			}
		}
		pending, hasPending = v, true
		return true
	})
	if pubErr == nil && handlerErr == nil {
		if !hasPending {
			return sent, nil, s.sendMessage(ctx, in, codec.OutgoingResponse{ID: in.Headers.ID, Disposed: true, Seq: sent})
		}
		if pubErr = flush(true); pubErr == nil {
			return sent, nil, nil
		}
	}

	var encodeErr *replyEncodeError
	if errors.As(pubErr, &encodeErr) {
		handlerErr, pubErr = encodeErr, nil
	}
	if pubErr != nil {
		return sent, handlerErr, pubErr
	}

	handlerErr = asTimeout(handlerErr)
	if hasPending {
		if pubErr = flush(false); pubErr != nil && !errors.As(pubErr, &encodeErr) {
			return sent, handlerErr, pubErr
		}
	}
	return sent, handlerErr, s.replyError(ctx, in, sent, handlerErr)
}

// rangeSafely iterates seq, stopping at the first error or when fn returns
// false. A panic inside the sequence becomes a handler failure.
func rangeSafely(seq iter.Seq2[any, error], fn func(any) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", errspkg.ErrHandlerFailure, r)
		}
	}()
	seq(func(v any, e error) bool {
		if e != nil {
			err = e
			return false
		}
		return fn(v)
	})
	return err
}

// drain consumes an event handler's result so that lazy sequences still run.
func drain(ctx context.Context, result any) error {
	return rangeSafely(handlers.NormalizeResult(ctx, result), func(any) bool { return true })
}

func asTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errspkg.ErrRequestTimeout) {
		return fmt.Errorf("%w: %w", errspkg.ErrRequestTimeout, err)
	}
	return err
}

// settleUnhandled acknowledges a message that never reached a handler. In
// manual mode nothing else would settle it.
func (s *Server) settleUnhandled(msg *broker.Message, pubErr error) {
	switch s.Conf.AckMode {
	case configpkg.AckAfterResponse:
		settle(msg, pubErr)
	case configpkg.AckManual:
		msg.Ack()
	}
}

func settle(msg *broker.Message, pubErr error) {
	if pubErr != nil {
		msg.Nack()
		return
	}
	msg.Ack()
}
