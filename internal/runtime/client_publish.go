package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	"github.com/drblury/flowrpc/internal/runtime/envelope"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Callback receives the replies of one request. It runs at most once with a
// terminal reply (Disposed or Err set) and never concurrently with itself.
type Callback func(Reply)

// Publish sends a request and routes its replies to callback. It fails
// synchronously when the client is not connected or the packet cannot be
// serialized; publish failures and timeouts reach callback instead.
//
// The request timeout is the envelope's own, else the time left until the
// deadline of ctx, else the configured default. The returned function
// removes the routing entry without invoking callback.
func (c *Client) Publish(ctx context.Context, packet codec.Packet, callback Callback) (func(), error) {
	if callback == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	topic, replyTo := c.requestTopic()
	if topic == nil {
		return nil, errspkg.ErrChannelNotReady
	}

	out, err := c.serializer.Serialize(packet)
	if err != nil {
		return nil, err
	}
	env, err := c.requestEnvelope(ctx, out.Envelope)
	if err != nil {
		return nil, err
	}

	id := c.newID()
	timeout := env.Timeout()
	p := newPendingRequest(id, out.Pattern, callback, timeout)
	c.routes.insert(p)
	c.metrics.requestStarted()
	dispose := func() {
		if c.routes.remove(p) {
			p.finish()
			c.metrics.requestFinished(p.pattern, OutcomeDisposed, time.Since(p.started))
		}
	}

	headers := metadata.RequestHeaders{
		ReplyTo:    replyTo,
		Pattern:    out.Pattern,
		ID:         id,
		InstanceID: c.instanceID,
		Timeout:    timeout,
		Extra:      env.Attributes(),
	}
	if err := c.send(ctx, topic, out, env, headers); err != nil {
		if c.routes.remove(p) {
			p.finish()
			c.metrics.requestFinished(p.pattern, OutcomePublishFailure, time.Since(p.started))
			p.mu.Lock()
			callback(Reply{ID: id, Err: err, Disposed: true})
			p.mu.Unlock()
		}
		return dispose, nil
	}

	if timeout > 0 {
		p.setTimer(time.AfterFunc(timeout, func() { c.expire(p) }))
	}
	return dispose, nil
}

// Emit publishes a one-way event: no correlation id, no routing entry and
// no timeout.
func (c *Client) Emit(ctx context.Context, packet codec.Packet) error {
	topic, _ := c.requestTopic()
	if topic == nil {
		return errspkg.ErrChannelNotReady
	}
	out, err := c.serializer.Serialize(packet)
	if err != nil {
		return err
	}
	headers := metadata.RequestHeaders{
		Pattern:    out.Pattern,
		InstanceID: c.instanceID,
		Extra:      out.Envelope.Attributes(),
	}
	return c.send(ctx, topic, out, out.Envelope, headers)
}

func (c *Client) requestEnvelope(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	if env.Timeout() > 0 {
		return env, nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return env, fmt.Errorf("%w: %v", errspkg.ErrRequestTimeout, context.DeadlineExceeded)
		}
		return env.WithTimeout(remaining)
	}
	if c.conf.DefaultTimeout > 0 {
		return env.WithTimeout(c.conf.DefaultTimeout)
	}
	return env, nil
}

// send publishes one request. A failure with an ordering key resumes the key
// when auto-resume is on, so later publishes on it are not rejected.
func (c *Client) send(ctx context.Context, topic broker.Topic, out codec.Outbound, env envelope.Envelope, headers metadata.RequestHeaders) error {
	ctx, span := tracer().Start(ctx, "flowrpc.publish "+out.Pattern,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messageSpanAttributes(out.Pattern, headers.ID, topic.Name())...),
	)
	defer span.End()

	attrs := headers.Attributes()
	injectTrace(ctx, c.propagator, attrs)

	orderingKey := env.OrderingKey()
	msgID, err := topic.Publish(ctx, broker.Message{
		Data:        out.Body,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if err == nil {
		c.Logger.Trace("Request published", loggingpkg.MessageFields(out.Pattern, headers.ID, msgID))
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.publishFailed(topic.Name())
	fields := loggingpkg.MessageFields(out.Pattern, headers.ID, "").Merge(loggingpkg.LogFields{
		loggingpkg.FieldTopic: topic.Name(),
	})
	if orderingKey != "" {
		fields[loggingpkg.FieldOrderingKey] = orderingKey
		if c.conf.AutoResume {
			topic.ResumePublishing(orderingKey)
			c.metrics.orderingKeyResumed()
		}
	}
	c.Logger.Error("Publishing request failed", err, fields)
	return &errspkg.PublishError{Topic: topic.Name(), OrderingKey: orderingKey, Err: err}
}

func (c *Client) expire(p *pendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !c.routes.remove(p) {
		return
	}
	p.finish()
	c.metrics.requestFinished(p.pattern, OutcomeTimeout, time.Since(p.started))
	c.Logger.Debug("Request timed out", loggingpkg.MessageFields(p.pattern, p.id, "").Merge(loggingpkg.LogFields{
		"timeout": p.timeout.String(),
	}))
	p.callback(Reply{
		ID:       p.id,
		Err:      fmt.Errorf("%w: %s after %s", errspkg.ErrRequestTimeout, p.pattern, p.timeout),
		Disposed: true,
	})
}
