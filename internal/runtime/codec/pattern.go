package codec

import (
	"fmt"
	"reflect"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/jsoncodec"
)

// EncodePattern renders a pattern for the wire and for handler lookup. String
// patterns, including named string types, are used verbatim; anything else is encoded as JSON with sorted
// keys, so {"cmd":"sum","area":"math"} and {"area":"math","cmd":"sum"} match.
func EncodePattern(pattern any) (string, error) {
	switch p := pattern.(type) {
	case nil:
		return "", errspkg.ErrPatternRequired
	case string:
		if p == "" {
			return "", errspkg.ErrPatternRequired
		}
		return p, nil
	}
	if v := reflect.ValueOf(pattern); v.Kind() == reflect.String {
		return EncodePattern(v.String())
	}
	data, err := jsoncodec.Canonical(pattern)
	if err != nil {
		return "", fmt.Errorf("encode pattern %v: %w", pattern, err)
	}
	return string(data), nil
}
