package metadata

// Reserved attribute keys. They are valid filter identifiers so that a
// subscription filter can select on them directly.
const (
	KeyReplyTo    = "flowrpc_reply_to"
	KeyPattern    = "flowrpc_pattern"
	KeyID         = "flowrpc_id"
	KeyInstanceID = "flowrpc_instance_id"
	KeyTimeout    = "flowrpc_timeout"
	KeyDisposed   = "flowrpc_disposed"
	KeyError      = "flowrpc_error"
	KeyStatus     = "flowrpc_status"
	KeySeq        = "flowrpc_seq"

	// KeyOrderingKey and KeyPublishedAt are used by transports that have no
	// native notion of ordering keys or publish timestamps.
	KeyOrderingKey = "flowrpc_ordering_key"
	KeyPublishedAt = "flowrpc_published_at"
)

const (
	disposedMarker = "1"
	StatusError    = "error"
)

var reservedKeys = map[string]struct{}{
	KeyReplyTo:     {},
	KeyPattern:     {},
	KeyID:          {},
	KeyInstanceID:  {},
	KeyTimeout:     {},
	KeyDisposed:    {},
	KeyError:       {},
	KeyStatus:      {},
	KeySeq:         {},
	KeyOrderingKey: {},
	KeyPublishedAt: {},
}

// IsReserved reports whether key belongs to the protocol.
func IsReserved(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// Passthrough returns the user-defined entries of m.
func Passthrough(m map[string]string) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}
