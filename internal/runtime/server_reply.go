package runtime

import (
	"context"
	"fmt"
	"slices"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

// replyEncodeError marks a reply value the codec could not encode. It is
// reported to the caller as a handler failure.
type replyEncodeError struct {
	err error
}

func (e *replyEncodeError) Error() string {
	return fmt.Sprintf("%v: %v", errspkg.ErrHandlerFailure, e.err)
}

func (e *replyEncodeError) Unwrap() []error { return []error{errspkg.ErrHandlerFailure, e.err} }

func (s *Server) replyValue(ctx context.Context, in codec.InboundRequest, seq int, value any, disposed bool) error {
	return s.sendMessage(ctx, in, codec.OutgoingResponse{
		ID:          in.Headers.ID,
		Response:    value,
		HasResponse: true,
		Disposed:    disposed,
		Seq:         seq,
	})
}

// replyError publishes the terminal error reply of a request.
func (s *Server) replyError(ctx context.Context, in codec.InboundRequest, seq int, err error) error {
	return s.sendMessage(ctx, in, codec.OutgoingResponse{
		ID:       in.Headers.ID,
		Err:      errspkg.ToRemote(err),
		Disposed: true,
		Status:   metadata.StatusError,
		Seq:      seq,
	})
}

// sendMessage publishes one reply to the request's reply topic. Requests
// without a reply topic or correlation id are not answered. The reply echoes
// the caller's instance id and user attributes.
func (s *Server) sendMessage(ctx context.Context, in codec.InboundRequest, resp codec.OutgoingResponse) error {
	replyTo := in.Headers.ReplyTo
	if replyTo == "" || resp.ID == "" {
		return nil
	}

	body, err := s.replySerializer.Serialize(resp)
	if err != nil {
		return &replyEncodeError{err: err}
	}
	errAttr, err := codec.EncodeError(resp.Err)
	if err != nil {
		return &replyEncodeError{err: err}
	}
	headers := metadata.ReplyHeaders{
		ID:       resp.ID,
		Disposed: resp.Disposed,
		Error:    errAttr,
		Status:   resp.Status,
		Seq:      resp.Seq,
		HasSeq:   true,
		Extra:    in.Headers.Echo(),
	}

	topic := s.replyTopic(replyTo)
	msgID, err := topic.Publish(context.WithoutCancel(ctx), broker.Message{
		Data:       body,
		Attributes: headers.Attributes(),
	})
	if err != nil {
		s.metrics.publishFailed(replyTo)
		return &errspkg.PublishError{Topic: replyTo, Err: err}
	}

	s.metrics.replyPublished(resp.Status)
	s.Logger.Trace("Reply published", loggingpkg.MessageFields(in.Headers.Pattern, resp.ID, msgID).Merge(loggingpkg.LogFields{
		loggingpkg.FieldTopic: replyTo,
		"seq":                 resp.Seq,
		"disposed":            resp.Disposed,
	}))
	return nil
}

// replyTopic returns the handle of a reply topic and remembers it so that
// Close can flush it.
func (s *Server) replyTopic(name string) broker.Topic {
	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	if t, ok := s.replyTopics[name]; ok {
		return t
	}
	t := s.broker.get().Topic(name, s.Conf.ReplyPublish)
	s.replyTopics[name] = t
	return t
}

// ReplyTopics lists the reply topics published to so far.
func (s *Server) ReplyTopics() []string {
	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	names := make([]string, 0, len(s.replyTopics))
	for name := range s.replyTopics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Server) flushReplyTopics(ctx context.Context) []error {
	s.replyMu.Lock()
	topics := make([]broker.Topic, 0, len(s.replyTopics))
	for _, t := range s.replyTopics {
		topics = append(topics, t)
	}
	s.replyTopics = make(map[string]broker.Topic)
	s.replyMu.Unlock()

	var errs []error
	for _, t := range topics {
		if err := t.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush reply topic %q: %w", t.Name(), err))
		}
	}
	return errs
}
