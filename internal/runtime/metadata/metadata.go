// Package metadata defines the string attributes that travel with every broker
// message and the reserved keys the request/reply protocol stores in them.
package metadata

import (
	"maps"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata holds message attributes. Methods never modify the receiver.
type Metadata map[string]string

// New builds Metadata from alternating keys and values. A trailing key without
// a value maps to the empty string.
func New(pairs ...string) Metadata {
	md := make(Metadata, (len(pairs)+1)/2)
	for i := 0; i < len(pairs); i += 2 {
		var v string
		if i+1 < len(pairs) {
			v = pairs[i+1]
		}
		md[pairs[i]] = v
	}
	return md
}

// Clone returns a copy that is never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// With returns a copy with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// Without returns a copy with keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// watermillPrefix marks keys watermill transports add for their own use.
const watermillPrefix = "_watermill"

// FromWatermill copies watermill metadata, dropping transport-internal keys.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		if !strings.HasPrefix(k, watermillPrefix) {
			out[k] = v
		}
	}
	return out
}

// ToWatermill copies m into watermill metadata.
func ToWatermill(m Metadata) message.Metadata {
	out := make(message.Metadata, len(m))
	maps.Copy(out, m)
	return out
}
