package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrpc/transport"
)

func TestRegisterDeclaresCapabilities(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, Capabilities(), caps)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.False(t, caps.SupportsSharedSubscriptions, "every subscription sees every message")
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with default factory", func(t *testing.T) {
		tr, err := Build(context.Background(), nil, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		assert.NotNil(t, tr.Publisher)
		sub, err := tr.NewSubscriber("any")
		require.NoError(t, err)
		assert.NotNil(t, sub)
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		defer func() { Factory = originalFactory }()

		var gotCfg gochannel.Config
		pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			gotCfg = cfg
			return pubSub, pubSub
		}

		tr, err := Build(context.Background(), nil, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		assert.Equal(t, pubSub, tr.Publisher)
		assert.Equal(t, int64(OutputChannelBuffer), gotCfg.OutputChannelBuffer)
	})
}

func TestClosingOneSubscriberKeepsOthersRunning(t *testing.T) {
	tr, err := Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	first, err := tr.NewSubscriber("first")
	require.NoError(t, err)
	second, err := tr.NewSubscriber("second")
	require.NoError(t, err)

	ctx := context.Background()
	firstOut, err := first.Subscribe(ctx, "orders")
	require.NoError(t, err)
	secondOut, err := second.Subscribe(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, first.Close())

	select {
	case _, ok := <-firstOut:
		assert.False(t, ok, "closed subscriber's channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("closed subscriber channel was not closed")
	}

	require.NoError(t, tr.Publisher.Publish("orders", message.NewMessage("m1", []byte("payload"))))

	select {
	case msg := <-secondOut:
		assert.Equal(t, "m1", msg.UUID)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive the message")
	}

	_, err = first.Subscribe(ctx, "orders")
	assert.ErrorIs(t, err, ErrSubscriberClosed)
}
