package metadata

import (
	"fmt"
	"strconv"
	"time"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
)

// RequestHeaders are the protocol attributes of a request or event.
type RequestHeaders struct {
	ReplyTo    string
	Pattern    string
	ID         string
	InstanceID string
	Timeout    time.Duration
	// Extra holds user-defined attributes. Reserved keys in Extra are ignored.
	Extra Metadata
}

// IsEvent reports whether the message expects no reply.
func (h RequestHeaders) IsEvent() bool {
	return h.ID == ""
}

// Attributes renders the headers into wire attributes.
func (h RequestHeaders) Attributes() Metadata {
	attrs := Passthrough(h.Extra)
	setIfPresent(attrs, KeyReplyTo, h.ReplyTo)
	setIfPresent(attrs, KeyPattern, h.Pattern)
	setIfPresent(attrs, KeyID, h.ID)
	setIfPresent(attrs, KeyInstanceID, h.InstanceID)
	if h.Timeout > 0 {
		attrs[KeyTimeout] = FormatTimeout(h.Timeout)
	}
	return attrs
}

// Echo returns the attributes a reply to this request carries back: the
// caller's instance id and every user-defined attribute.
func (h RequestHeaders) Echo() Metadata {
	echo := Passthrough(h.Extra)
	setIfPresent(echo, KeyInstanceID, h.InstanceID)
	return echo
}

// ParseRequestHeaders reads request headers from wire attributes.
func ParseRequestHeaders(attrs map[string]string) (RequestHeaders, error) {
	h := RequestHeaders{
		ReplyTo:    attrs[KeyReplyTo],
		Pattern:    attrs[KeyPattern],
		ID:         attrs[KeyID],
		InstanceID: attrs[KeyInstanceID],
		Extra:      Passthrough(attrs),
	}
	if h.Pattern == "" {
		return h, fmt.Errorf("%w: missing %s attribute", errspkg.ErrMalformedMessage, KeyPattern)
	}
	if raw, ok := attrs[KeyTimeout]; ok && raw != "" {
		timeout, err := ParseTimeout(raw)
		if err != nil {
			return h, err
		}
		h.Timeout = timeout
	}
	return h, nil
}

// ReplyHeaders are the protocol attributes of a reply.
type ReplyHeaders struct {
	ID       string
	Disposed bool
	// Error is the encoded error value, empty when the reply carries none.
	Error  string
	Status string
	Seq    int
	HasSeq bool
	Extra  Metadata
}

// Attributes renders the headers into wire attributes.
func (h ReplyHeaders) Attributes() Metadata {
	attrs := Passthrough(h.Extra)
	if id, ok := h.Extra[KeyInstanceID]; ok {
		attrs[KeyInstanceID] = id
	}
	setIfPresent(attrs, KeyID, h.ID)
	if h.Disposed {
		attrs[KeyDisposed] = disposedMarker
	}
	setIfPresent(attrs, KeyError, h.Error)
	setIfPresent(attrs, KeyStatus, h.Status)
	if h.HasSeq {
		attrs[KeySeq] = strconv.Itoa(h.Seq)
	}
	return attrs
}

// ParseReplyHeaders reads reply headers from wire attributes. A missing id is
// not an error here; codecs may carry it in the body instead.
func ParseReplyHeaders(attrs map[string]string) (ReplyHeaders, error) {
	h := ReplyHeaders{
		ID:       attrs[KeyID],
		Disposed: attrs[KeyDisposed] == disposedMarker,
		Error:    attrs[KeyError],
		Status:   attrs[KeyStatus],
		Extra:    Passthrough(attrs),
	}
	if raw, ok := attrs[KeySeq]; ok && raw != "" {
		seq, err := strconv.Atoi(raw)
		if err != nil || seq < 0 {
			return h, fmt.Errorf("%w: invalid %s attribute %q", errspkg.ErrMalformedMessage, KeySeq, raw)
		}
		h.Seq = seq
		h.HasSeq = true
	}
	return h, nil
}

// FormatTimeout renders d as stringified milliseconds, rounding partial
// milliseconds up so that a positive timeout never renders as zero.
func FormatTimeout(d time.Duration) string {
	ms := d.Milliseconds()
	if time.Duration(ms)*time.Millisecond < d {
		ms++
	}
	return strconv.FormatInt(ms, 10)
}

// ParseTimeout parses stringified milliseconds.
func ParseTimeout(raw string) (time.Duration, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: invalid %s attribute %q", errspkg.ErrMalformedMessage, KeyTimeout, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func setIfPresent(m Metadata, key, value string) {
	if value != "" {
		m[key] = value
	}
}
