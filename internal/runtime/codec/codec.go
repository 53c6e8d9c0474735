// Package codec converts between envelopes, broker messages and the values
// handlers work with. Codecs are pluggable; replies are always framed as JSON,
// so a codec's output must be valid JSON.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flowrpc/internal/runtime/jsoncodec"
)

// Codec encodes payload values.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Raw is a payload that is already encoded. Codecs pass it through verbatim.
type Raw []byte

// JSON is the default codec, backed by sonic.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	if raw, ok := v.(Raw); ok {
		return raw, nil
	}
	return jsoncodec.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*Raw); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return jsoncodec.Unmarshal(data, v)
}

// ProtoJSON encodes protobuf messages with protojson. Non-proto values fall
// back to JSON.
type ProtoJSON struct {
	MarshalOptions   protojson.MarshalOptions
	UnmarshalOptions protojson.UnmarshalOptions
}

func (ProtoJSON) Name() string { return "protojson" }

func (c ProtoJSON) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case proto.Message:
		data, err := c.MarshalOptions.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("protojson marshal %T: %w", v, err)
		}
		return data, nil
	default:
		return JSON{}.Marshal(v)
	}
}

func (c ProtoJSON) Unmarshal(data []byte, v any) error {
	switch msg := v.(type) {
	case proto.Message:
		if err := c.UnmarshalOptions.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("protojson unmarshal %T: %w", v, err)
		}
		return nil
	default:
		return JSON{}.Unmarshal(data, v)
	}
}

// Default returns the codec used when none is configured.
func Default() Codec {
	return JSON{}
}

// ByName resolves a configured codec name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "protojson":
		return ProtoJSON{UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true}}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
