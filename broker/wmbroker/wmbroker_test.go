package wmbroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
	"github.com/drblury/flowrpc/transport"
	"github.com/drblury/flowrpc/transport/channel"
	"github.com/drblury/flowrpc/transport/transporttest"
)

func newChannelBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	tr, err := channel.Build(context.Background(), nil, watermill.NopLogger{})
	require.NoError(t, err)
	tr.Capabilities = transport.ChannelCapabilities
	b := New(tr, watermill.NopLogger{}, opts...)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func receiveOne(t *testing.T, deliveries <-chan broker.Delivery) *broker.Message {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		require.NoError(t, d.Err)
		return d.Message
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestPublishReceiveCarriesAttributesAndOrderingKey(t *testing.T) {
	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newChannelBroker(t, WithClock(func() time.Time { return published }))
	ctx := context.Background()

	topic := b.Topic("requests", broker.PublishSettings{EnableMessageOrdering: true})
	require.NoError(t, topic.Create(ctx))
	sub := topic.Subscription("workers", broker.ReceiveSettings{})
	require.NoError(t, sub.Create(ctx, broker.SubscriptionConfig{}))

	deliveries, err := sub.Receive(ctx)
	require.NoError(t, err)

	id, err := topic.Publish(ctx, broker.Message{
		Data:        []byte(`{"a":1}`),
		Attributes:  map[string]string{"tenant": "acme"},
		OrderingKey: "order-7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg := receiveOne(t, deliveries)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, []byte(`{"a":1}`), msg.Data)
	assert.Equal(t, map[string]string{"tenant": "acme"}, msg.Attributes)
	assert.Equal(t, "order-7", msg.OrderingKey)
	assert.True(t, published.Equal(msg.PublishTime))
	assert.True(t, msg.Ack())
}

func TestFilterDropsNonMatchingMessages(t *testing.T) {
	b := newChannelBroker(t)
	ctx := context.Background()

	topic := b.Topic("replies", broker.PublishSettings{})
	sub := topic.Subscription("replies-a", broker.ReceiveSettings{})
	require.NoError(t, sub.Create(ctx, broker.SubscriptionConfig{
		Filter: `attributes.flowrpc_instance_id == "a"`,
	}))

	deliveries, err := sub.Receive(ctx)
	require.NoError(t, err)

	_, err = topic.Publish(ctx, broker.Message{Data: []byte("for-b"), Attributes: map[string]string{metadata.KeyInstanceID: "b"}})
	require.NoError(t, err)
	_, err = topic.Publish(ctx, broker.Message{Data: []byte("for-a"), Attributes: map[string]string{metadata.KeyInstanceID: "a"}})
	require.NoError(t, err)

	msg := receiveOne(t, deliveries)
	assert.Equal(t, []byte("for-a"), msg.Data)
	msg.Ack()
}

func TestCreateReportsAlreadyExists(t *testing.T) {
	b := newChannelBroker(t)
	ctx := context.Background()

	topic := b.Topic("requests", broker.PublishSettings{})
	require.NoError(t, topic.Create(ctx))
	assert.True(t, broker.IsAlreadyExists(topic.Create(ctx)))

	sub := topic.Subscription("workers", broker.ReceiveSettings{})
	require.NoError(t, sub.Create(ctx, broker.SubscriptionConfig{}))
	assert.True(t, broker.IsAlreadyExists(sub.Create(ctx, broker.SubscriptionConfig{})))

	exists, err := sub.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteUnknownSubscription(t *testing.T) {
	b := newChannelBroker(t)
	sub := b.Topic("requests", broker.PublishSettings{}).Subscription("ghost", broker.ReceiveSettings{})
	assert.True(t, broker.IsNotFound(sub.Delete(context.Background())))
}

func TestInvalidFilterFailsCreate(t *testing.T) {
	b := newChannelBroker(t)
	sub := b.Topic("requests", broker.PublishSettings{}).Subscription("bad", broker.ReceiveSettings{})
	assert.Error(t, sub.Create(context.Background(), broker.SubscriptionConfig{Filter: "attributes.x =="}))
}

func TestFailedPublishPausesOrderingKey(t *testing.T) {
	pub := &switchPublisher{err: errors.New("broker unavailable")}
	b := New(transport.Transport{Publisher: pub}, nil)
	ctx := context.Background()
	topic := b.Topic("requests", broker.PublishSettings{EnableMessageOrdering: true})

	_, err := topic.Publish(ctx, broker.Message{Data: []byte("1"), OrderingKey: "k"})
	require.Error(t, err)

	pub.set(nil)
	_, err = topic.Publish(ctx, broker.Message{Data: []byte("2"), OrderingKey: "k"})
	assert.True(t, broker.IsOrderingKeyPaused(err))

	_, err = topic.Publish(ctx, broker.Message{Data: []byte("3"), OrderingKey: "other"})
	assert.NoError(t, err)

	topic.ResumePublishing("k")
	_, err = topic.Publish(ctx, broker.Message{Data: []byte("4"), OrderingKey: "k"})
	assert.NoError(t, err)
	assert.Equal(t, 2, pub.count())
}

func TestPublishTimeout(t *testing.T) {
	release := make(chan struct{})
	pub := &blockingPublisher{release: release}
	b := New(transport.Transport{Publisher: pub}, nil)
	topic := b.Topic("requests", broker.PublishSettings{Timeout: 20 * time.Millisecond})

	_, err := topic.Publish(context.Background(), broker.Message{Data: []byte("x")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	flushed := make(chan error, 1)
	go func() { flushed <- topic.Flush(context.Background()) }()
	close(release)
	select {
	case err := <-flushed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not return")
	}
}

func TestClosedBrokerRejectsOperations(t *testing.T) {
	b := newChannelBroker(t)
	ctx := context.Background()
	topic := b.Topic("requests", broker.PublishSettings{})
	require.NoError(t, b.Close(ctx))

	_, err := topic.Publish(ctx, broker.Message{Data: []byte("x")})
	assert.Error(t, err)
	_, err = topic.Subscription("s", broker.ReceiveSettings{}).Receive(ctx)
	assert.Error(t, err)
	assert.NoError(t, b.Close(ctx))
}

func TestCloseEndsReceiveLoop(t *testing.T) {
	b := newChannelBroker(t)
	ctx := context.Background()
	sub := b.Topic("requests", broker.PublishSettings{}).Subscription("s", broker.ReceiveSettings{})

	deliveries, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, sub.Close(ctx))

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop still running")
	}
}

type switchPublisher struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *switchPublisher) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *switchPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *switchPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls++
	return nil
}

func (p *switchPublisher) Close() error { return nil }

type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) Publish(topic string, messages ...*message.Message) error {
	<-p.release
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

func TestReopenBuildsAFreshTransport(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, &transporttest.Config{PubSubSystem: channel.TransportName}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	_, err = b.Topic("orders", broker.PublishSettings{}).Publish(ctx, broker.Message{Data: []byte("x")})
	require.Error(t, err)

	reopened, err := b.Reopen(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close(ctx) })
	assert.NotSame(t, b, reopened)

	_, err = reopened.Topic("orders", broker.PublishSettings{}).Publish(ctx, broker.Message{Data: []byte("x")})
	assert.NoError(t, err)
}

func TestReopenNeedsAConfig(t *testing.T) {
	_, err := newChannelBroker(t).Reopen(context.Background())
	assert.ErrorIs(t, err, ErrNotReopenable)
}
