package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrpc/transport"
	"github.com/drblury/flowrpc/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "nats-jetstream", TransportName)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		result := Config{MaxDeliver: -1, AckWait: -1, Replicas: -1}.withDefaults()

		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})
}

func TestStreamConfig(t *testing.T) {
	tests := []struct {
		policy string
		want   nats.RetentionPolicy
	}{
		{"", nats.LimitsPolicy},
		{"interest", nats.InterestPolicy},
		{"workqueue", nats.WorkQueuePolicy},
	}
	for _, tt := range tests {
		cfg := streamConfig(Config{StreamName: "RPC", Replicas: 1, RetentionPolicy: tt.policy})
		assert.Equal(t, tt.want, cfg.Retention)
		assert.Equal(t, []string{"RPC.>"}, cfg.Subjects)
	}
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "server_orders", DurableName("orders", "server"))
	assert.Equal(t, "replies-1_scope_orders_v1", DurableName("scope.orders v1", "replies-1"))
}

func TestNatsToWatermill(t *testing.T) {
	msg := nats.NewMsg("RPC.orders")
	msg.Data = []byte("payload")
	msg.Header.Set(nats.MsgIdHdr, "msg-1")
	msg.Header.Set("flowrpc_id", "corr-1")

	wm := natsToWatermill(msg)

	assert.Equal(t, "msg-1", wm.UUID)
	assert.Equal(t, "corr-1", wm.Metadata.Get("flowrpc_id"))
	assert.Empty(t, wm.Metadata.Get(nats.MsgIdHdr))
	assert.Equal(t, []byte("payload"), []byte(wm.Payload))
}

func TestBuildReturnsConnectError(t *testing.T) {
	original := ConnectFactory
	defer func() { ConnectFactory = original }()
	ConnectFactory = func(url string) (*nats.Conn, error) {
		assert.Equal(t, "nats://localhost:4222", url)
		return nil, errors.New("connection refused")
	}

	_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
