package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

func TestBuildWithoutDataFails(t *testing.T) {
	_, err := NewBuilder().WithOrderingKey("k").Build()
	assert.ErrorIs(t, err, errspkg.ErrMissingData)

	_, err = NewBuilder().WithData(nil).Build()
	assert.ErrorIs(t, err, errspkg.ErrMissingData)
}

func TestBuildNegativeTimeoutFails(t *testing.T) {
	_, err := NewBuilder().WithData("x").WithTimeout(-time.Millisecond).Build()
	assert.ErrorIs(t, err, errspkg.ErrInvalidTimeout)
}

func TestBuildPositiveTimeoutAddsOneAttribute(t *testing.T) {
	env, err := NewBuilder().
		WithData(map[string]int{"a": 1}).
		WithAttributes(map[string]string{"tenant": "acme"}).
		WithOrderingKey("orders-1").
		WithTimeout(2 * time.Second).
		Build()
	require.NoError(t, err)

	assert.Equal(t, metadata.Metadata{"tenant": "acme", metadata.KeyTimeout: "2000"}, env.Attributes())
	assert.Equal(t, "orders-1", env.OrderingKey())
	assert.Equal(t, map[string]int{"a": 1}, env.Data())
	assert.Equal(t, 2*time.Second, env.Timeout())
}

func TestBuildZeroTimeoutIsNoop(t *testing.T) {
	env, err := NewBuilder().WithData("x").WithTimeout(0).Build()
	require.NoError(t, err)

	assert.Empty(t, env.Attributes())
	assert.Zero(t, env.Timeout())
	assert.Empty(t, env.OrderingKey())
}

func TestBuildSubMillisecondTimeoutRoundsUp(t *testing.T) {
	env, err := NewBuilder().WithData("x").WithTimeout(300 * time.Microsecond).Build()
	require.NoError(t, err)

	assert.Equal(t, "1", env.Attributes()[metadata.KeyTimeout])
}

func TestBuiltEnvelopeIsSnapshot(t *testing.T) {
	attrs := map[string]string{"a": "1"}
	b := NewBuilder().WithData("first").WithAttributes(attrs)

	env, err := b.Build()
	require.NoError(t, err)

	attrs["a"] = "mutated"
	b.WithData("second").WithAttributes(map[string]string{"b": "2"}).WithOrderingKey("k")
	env.Attributes()["a"] = "also mutated"

	assert.Equal(t, "first", env.Data())
	assert.Equal(t, metadata.Metadata{"a": "1"}, env.Attributes())
	assert.Empty(t, env.OrderingKey())
}

func TestEnvelopeWithTimeoutReplacesTimeout(t *testing.T) {
	env, err := NewBuilder().WithData("x").WithTimeout(time.Second).WithOrderingKey("k").Build()
	require.NoError(t, err)

	shorter, err := env.WithTimeout(250 * time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, shorter.Timeout())
	assert.Equal(t, "k", shorter.OrderingKey())
	assert.Equal(t, time.Second, env.Timeout())
}
