package handlers

import (
	"time"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Request is the inbound call or event handed to a handler.
type Request struct {
	Pattern       string
	CorrelationID string
	ReplyTo       string
	InstanceID    string
	MessageID     string
	// Metadata holds the user-defined attributes of the message.
	Metadata        metadatapkg.Metadata
	Body            []byte
	PublishTime     time.Time
	DeliveryAttempt int
	Logger          loggingpkg.ServiceLogger

	codec codec.Codec
	msg   *broker.Message
	// manual is set when the handler owns acknowledgement.
	manual bool
}

// NewRequest builds the handler view of an inbound message. When manualAck is
// set, Ack and Nack settle msg; otherwise the engine settles it.
func NewRequest(in codec.InboundRequest, msg *broker.Message, c codec.Codec, logger loggingpkg.ServiceLogger, manualAck bool) *Request {
	req := &Request{
		Pattern:       in.Headers.Pattern,
		CorrelationID: in.Headers.ID,
		ReplyTo:       in.Headers.ReplyTo,
		InstanceID:    in.Headers.InstanceID,
		Metadata:      in.Headers.Extra.Clone(),
		Body:          in.Body,
		PublishTime:   in.PublishTime,
		Logger:        logger,
		codec:         c,
		msg:           msg,
		manual:        manualAck,
	}
	if msg != nil {
		req.MessageID = msg.ID
		req.DeliveryAttempt = msg.DeliveryAttempt
	}
	if req.codec == nil {
		req.codec = codec.Default()
	}
	return req
}

// Decode unmarshals the request body into v.
func (r *Request) Decode(v any) error {
	return r.codec.Unmarshal(r.Body, v)
}

// IsEvent reports whether the sender expects no reply.
func (r *Request) IsEvent() bool {
	return r.CorrelationID == ""
}

// Get retrieves a metadata value by key.
func (r *Request) Get(key string) string {
	return r.Metadata[key]
}

// CloneMetadata returns a copy of the metadata map.
func (r *Request) CloneMetadata() metadatapkg.Metadata {
	return r.Metadata.Clone()
}

// Ack acknowledges the message when the server runs in manual ack mode.
func (r *Request) Ack() bool {
	if !r.manual || r.msg == nil {
		return false
	}
	return r.msg.Ack()
}

// Nack requests redelivery when the server runs in manual ack mode.
func (r *Request) Nack() bool {
	if !r.manual || r.msg == nil {
		return false
	}
	return r.msg.Nack()
}
