package codec

import (
	"fmt"
	"time"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/envelope"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Packet is what a caller asks to send: a pattern and either a raw payload or
// a prebuilt envelope.
type Packet struct {
	Pattern any
	Data    any
}

// Outbound is a serialized request ready for protocol tagging.
type Outbound struct {
	Pattern  string
	Envelope envelope.Envelope
	Body     []byte
}

// Serializer turns a packet into an outbound request.
type Serializer interface {
	Serialize(p Packet) (Outbound, error)
}

// EnvelopeSerializer wraps raw payloads into envelopes and encodes the payload
// with Codec.
type EnvelopeSerializer struct {
	Codec Codec
}

func (s EnvelopeSerializer) Serialize(p Packet) (Outbound, error) {
	pattern, err := EncodePattern(p.Pattern)
	if err != nil {
		return Outbound{}, err
	}
	env, err := Normalize(p.Data)
	if err != nil {
		return Outbound{}, err
	}
	body, err := codecOrDefault(s.Codec).Marshal(env.Data())
	if err != nil {
		return Outbound{}, fmt.Errorf("encode payload for %s: %w", pattern, err)
	}
	return Outbound{Pattern: pattern, Envelope: env, Body: body}, nil
}

// Normalize returns data as an envelope, wrapping raw payloads without
// attributes or ordering key.
func Normalize(data any) (envelope.Envelope, error) {
	switch env := data.(type) {
	case envelope.Envelope:
		return env, nil
	case *envelope.Envelope:
		if env == nil {
			return envelope.Envelope{}, errspkg.ErrMissingData
		}
		return *env, nil
	}
	return envelope.NewBuilder().WithData(data).Build()
}

// InboundRequest is a request reconstructed on the serving side.
type InboundRequest struct {
	Headers     metadata.RequestHeaders
	Body        []byte
	PublishTime time.Time
	OrderingKey string
}

// RequestParser reconstructs inbound requests from broker messages.
type RequestParser interface {
	Parse(msg *broker.Message) (InboundRequest, error)
}

// AttributeParser reads protocol headers from message attributes and keeps
// the body encoded.
type AttributeParser struct{}

func (AttributeParser) Parse(msg *broker.Message) (InboundRequest, error) {
	if msg == nil {
		return InboundRequest{}, fmt.Errorf("%w: nil message", errspkg.ErrMalformedMessage)
	}
	headers, err := metadata.ParseRequestHeaders(msg.Attributes)
	if err != nil {
		return InboundRequest{}, err
	}
	return InboundRequest{
		Headers:     headers,
		Body:        msg.Data,
		PublishTime: msg.PublishTime,
		OrderingKey: msg.OrderingKey,
	}, nil
}

func codecOrDefault(c Codec) Codec {
	if c == nil {
		return Default()
	}
	return c
}
