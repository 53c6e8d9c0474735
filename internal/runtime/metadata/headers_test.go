package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
)

func TestRequestHeadersAttributes(t *testing.T) {
	h := RequestHeaders{
		ReplyTo:    "replies",
		Pattern:    "sum",
		ID:         "01J0",
		InstanceID: "inst-1",
		Timeout:    1500 * time.Millisecond,
		Extra:      Metadata{"tenant": "acme", KeyID: "spoofed"},
	}

	attrs := h.Attributes()

	assert.Equal(t, Metadata{
		KeyReplyTo:    "replies",
		KeyPattern:    "sum",
		KeyID:         "01J0",
		KeyInstanceID: "inst-1",
		KeyTimeout:    "1500",
		"tenant":      "acme",
	}, attrs)
}

func TestRequestHeadersEventOmitsCorrelation(t *testing.T) {
	attrs := RequestHeaders{Pattern: "user.created", InstanceID: "inst-1"}.Attributes()

	assert.NotContains(t, attrs, KeyID)
	assert.NotContains(t, attrs, KeyReplyTo)
	assert.NotContains(t, attrs, KeyTimeout)
}

func TestParseRequestHeaders(t *testing.T) {
	h, err := ParseRequestHeaders(map[string]string{
		KeyPattern:    "sum",
		KeyID:         "01J0",
		KeyReplyTo:    "replies",
		KeyInstanceID: "inst-1",
		KeyTimeout:    "250",
		"tenant":      "acme",
	})
	require.NoError(t, err)

	assert.False(t, h.IsEvent())
	assert.Equal(t, 250*time.Millisecond, h.Timeout)
	assert.Equal(t, Metadata{"tenant": "acme"}, h.Extra)
	assert.Equal(t, Metadata{"tenant": "acme", KeyInstanceID: "inst-1"}, h.Echo())
}

func TestParseRequestHeadersRejectsMalformed(t *testing.T) {
	_, err := ParseRequestHeaders(map[string]string{KeyID: "01J0"})
	assert.ErrorIs(t, err, errspkg.ErrMalformedMessage)

	_, err = ParseRequestHeaders(map[string]string{KeyPattern: "sum", KeyTimeout: "soon"})
	assert.ErrorIs(t, err, errspkg.ErrMalformedMessage)

	_, err = ParseRequestHeaders(map[string]string{KeyPattern: "sum", KeyTimeout: "-5"})
	assert.ErrorIs(t, err, errspkg.ErrMalformedMessage)
}

func TestReplyHeadersRoundTrip(t *testing.T) {
	echo := RequestHeaders{InstanceID: "inst-1", Extra: Metadata{"tenant": "acme"}}.Echo()
	attrs := ReplyHeaders{
		ID:       "01J0",
		Disposed: true,
		Error:    `{"code":"no_handler","message":"x"}`,
		Status:   StatusError,
		Seq:      2,
		HasSeq:   true,
		Extra:    echo,
	}.Attributes()

	assert.Equal(t, "inst-1", attrs[KeyInstanceID])
	assert.Equal(t, "acme", attrs["tenant"])
	assert.Equal(t, "1", attrs[KeyDisposed])
	assert.Equal(t, "2", attrs[KeySeq])

	parsed, err := ParseReplyHeaders(attrs)
	require.NoError(t, err)
	assert.Equal(t, "01J0", parsed.ID)
	assert.True(t, parsed.Disposed)
	assert.True(t, parsed.HasSeq)
	assert.Equal(t, 2, parsed.Seq)
	assert.Equal(t, StatusError, parsed.Status)
}

func TestReplyHeadersOmitOptionalFields(t *testing.T) {
	attrs := ReplyHeaders{ID: "01J0"}.Attributes()
	assert.Equal(t, Metadata{KeyID: "01J0"}, attrs)

	parsed, err := ParseReplyHeaders(attrs)
	require.NoError(t, err)
	assert.False(t, parsed.Disposed)
	assert.False(t, parsed.HasSeq)

	_, err = ParseReplyHeaders(map[string]string{KeySeq: "x"})
	assert.ErrorIs(t, err, errspkg.ErrMalformedMessage)
}
