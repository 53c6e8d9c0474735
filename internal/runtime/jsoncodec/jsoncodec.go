// Package jsoncodec is the JSON implementation flowrpc uses everywhere. It is
// sonic in its encoding/json compatible mode.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	std = sonic.ConfigStd

	// canonical keeps HTML characters literal so pattern keys read the same
	// as the JSON a caller would write by hand.
	canonical = sonic.Config{
		SortMapKeys:      true,
		CompactMarshaler: true,
		ValidateString:   true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) { return std.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error { return std.Unmarshal(data, v) }

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error { return std.NewEncoder(w).Encode(v) }

// Canonical encodes v with sorted map keys and no HTML escaping. Equal values
// always produce identical bytes.
func Canonical(v any) ([]byte, error) { return canonical.Marshal(v) }

func Valid(data []byte) bool { return std.Valid(data) }
