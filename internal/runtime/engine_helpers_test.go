package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/broker/memory"
	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	"github.com/drblury/flowrpc/internal/runtime/handlers"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
)

const (
	testRequestTopic      = "requests"
	testRequestSub        = "requests-sub"
	testReplyTopic        = "replies"
	testReplySubscription = "replies-sub"
)

func testServerConfig() configpkg.ServerConfig {
	conf := configpkg.DefaultServerConfig()
	conf.Topic = testRequestTopic
	conf.Subscription = testRequestSub
	return conf
}

func testClientConfig() configpkg.ClientConfig {
	conf := configpkg.DefaultClientConfig()
	conf.Topic = testRequestTopic
	conf.ReplyTopic = testReplyTopic
	conf.ReplySubscription = testReplySubscription
	return conf
}

func newTestServer(t *testing.T, backend *memory.Backend, conf configpkg.ServerConfig, deps ServerDependencies) *Server {
	t.Helper()
	srv, err := NewServer(&conf, backend.Connect(), loggingpkg.NewNopServiceLogger(), deps)
	require.NoError(t, err)
	return srv
}

// startServer registers handlers through register and starts listening.
func startServer(t *testing.T, backend *memory.Backend, conf configpkg.ServerConfig, deps ServerDependencies, register func(*Server)) *Server {
	t.Helper()
	srv := newTestServer(t, backend, conf, deps)
	if register != nil {
		register(srv)
	}
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return srv
}

func connectClient(t *testing.T, backend *memory.Backend, conf configpkg.ClientConfig, deps ClientDependencies) *Client {
	t.Helper()
	client, err := NewClient(&conf, backend.Connect(), loggingpkg.NewNopServiceLogger(), deps)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})
	return client
}

func mustHandle(t *testing.T, srv *Server, pattern any, h handlers.HandlerFunc) {
	t.Helper()
	require.NoError(t, srv.Handle(pattern, h))
}

// replyRecorder collects the replies of one request.
type replyRecorder struct {
	mu      sync.Mutex
	replies []Reply
}

func (r *replyRecorder) record(reply Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
}

func (r *replyRecorder) all() []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reply, len(r.replies))
	copy(out, r.replies)
	return out
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

// ackRecorder observes how a hand-built message was settled.
type ackRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *ackRecorder) message(msg broker.Message) *broker.Message {
	return broker.NewReceived(msg, broker.AckFuncs{
		OnAck: func() {
			a.mu.Lock()
			a.acks++
			a.mu.Unlock()
		},
		OnNack: func() {
			a.mu.Lock()
			a.nacks++
			a.mu.Unlock()
		},
	})
}

func (a *ackRecorder) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}
