// Package envelope holds the immutable unit of data handed to a broker: a
// payload, string attributes, and an optional ordering key.
package envelope

import (
	"time"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Envelope is an immutable snapshot produced by Builder.Build.
type Envelope struct {
	data        any
	attributes  metadata.Metadata
	orderingKey string
}

// Data returns the payload.
func (e Envelope) Data() any { return e.data }

// Attributes returns a copy of the envelope attributes.
func (e Envelope) Attributes() metadata.Metadata { return e.attributes.Clone() }

// OrderingKey returns the ordering key, empty when none was set.
func (e Envelope) OrderingKey() string { return e.orderingKey }

// Timeout returns the timeout carried in the attributes, zero when absent.
func (e Envelope) Timeout() time.Duration {
	raw, ok := e.attributes[metadata.KeyTimeout]
	if !ok {
		return 0
	}
	d, err := metadata.ParseTimeout(raw)
	if err != nil {
		return 0
	}
	return d
}

// WithTimeout returns a copy of e carrying timeout d.
func (e Envelope) WithTimeout(d time.Duration) (Envelope, error) {
	return FromEnvelope(e).WithTimeout(d).Build()
}

// Builder assembles an Envelope. The zero value is ready to use.
type Builder struct {
	data        any
	attributes  metadata.Metadata
	orderingKey string
	timeout     time.Duration
}

func NewBuilder() *Builder {
	return &Builder{}
}

// FromEnvelope returns a builder pre-populated with the fields of e.
func FromEnvelope(e Envelope) *Builder {
	return &Builder{
		data:        e.data,
		attributes:  e.attributes.Without(metadata.KeyTimeout),
		orderingKey: e.orderingKey,
		timeout:     e.Timeout(),
	}
}

func (b *Builder) WithData(data any) *Builder {
	b.data = data
	return b
}

// WithAttributes replaces the attributes set so far.
func (b *Builder) WithAttributes(attributes map[string]string) *Builder {
	b.attributes = metadata.Metadata(attributes).Clone()
	return b
}

func (b *Builder) WithOrderingKey(key string) *Builder {
	b.orderingKey = key
	return b
}

// WithTimeout sets the reply deadline relative to publish time. Zero leaves
// the envelope without a timeout.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// Build validates the builder state and returns a snapshot. Later calls to
// the setters do not affect envelopes that were already built.
func (b *Builder) Build() (Envelope, error) {
	if b.data == nil {
		return Envelope{}, errspkg.ErrMissingData
	}
	if b.timeout < 0 {
		return Envelope{}, errspkg.ErrInvalidTimeout
	}

	attrs := b.attributes.Clone()
	if b.timeout > 0 {
		attrs[metadata.KeyTimeout] = metadata.FormatTimeout(b.timeout)
	}

	return Envelope{
		data:        b.data,
		attributes:  attrs,
		orderingKey: b.orderingKey,
	}, nil
}
