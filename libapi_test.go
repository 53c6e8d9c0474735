package flowrpc

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPair(t *testing.T, register func(*Server)) *Client {
	t.Helper()
	backend := NewMemoryBackend()

	serverConf := DefaultServerConfig()
	srv, err := NewServer(&serverConf, backend.Connect(), NewNopServiceLogger(), ServerDependencies{})
	require.NoError(t, err)
	register(srv)
	require.NoError(t, srv.Listen(context.Background()))

	clientConf := DefaultClientConfig()
	clientConf.ReplyTopic = "replies"
	clientConf.ReplySubscription = "replies-sub"
	client, err := NewClient(&clientConf, backend.Connect(), NewNopServiceLogger(), ClientDependencies{})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
		_ = srv.Close(ctx)
	})
	return client
}

func TestTypedCallThroughFacade(t *testing.T) {
	client := startPair(t, func(srv *Server) {
		require.NoError(t, Handle(srv, "greet", func(_ context.Context, name string, _ *Request) (string, error) {
			return "hello " + name, nil
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Call[string](ctx, client, "greet", "ada")
	require.NoError(t, err)
	assert.Equal(t, "hello ada", got)
}

func TestTypedStreamThroughFacade(t *testing.T) {
	client := startPair(t, func(srv *Server) {
		h, err := TypedStream(func(_ context.Context, n int, _ *Request) iter.Seq2[int, error] {
			return func(yield func(int, error) bool) {
				for i := 1; i <= n; i++ {
					if !yield(i, nil) {
						return
					}
				}
			}
		})
		require.NoError(t, err)
		require.NoError(t, srv.Handle("count", h))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []int
	for v, err := range Stream[int](ctx, client, "count", 3) {
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestRemoteErrorThroughFacade(t *testing.T) {
	client := startPair(t, func(*Server) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Call[string](ctx, client, "missing", "x")
	require.ErrorIs(t, err, ErrNoHandlerRegistered)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeNoHandler, remote.Code)
}

func TestTypedHandlerRequired(t *testing.T) {
	_, err := Typed[string, string](nil)
	assert.ErrorIs(t, err, ErrHandlerRequired)
	_, err = TypedEvent[string](nil)
	assert.ErrorIs(t, err, ErrHandlerRequired)
}

func TestOpenBroker(t *testing.T) {
	_, err := OpenBroker(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrConfigRequired)

	b, err := OpenBroker(context.Background(), &BrokerConfig{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = OpenBroker(context.Background(), &BrokerConfig{PubSubSystem: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

func TestEnvelopeExport(t *testing.T) {
	env, err := NewEnvelope().WithData("x").WithTimeout(time.Second).Build()
	require.NoError(t, err)
	assert.Equal(t, time.Second, env.Timeout())

	_, err = NewEnvelope().Build()
	assert.ErrorIs(t, err, ErrMissingData)
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"world"}`), &payload))
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md["key"])
}

func TestErrorCategoryConstants(t *testing.T) {
	assert.Equal(t, ErrorCategory("none"), ErrorCategoryNone)
	assert.Equal(t, ErrorCategory("validation"), ErrorCategoryValidation)
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
