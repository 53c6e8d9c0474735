package wmbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/ids"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

// publishTimeLayout is the format of metadata.KeyPublishedAt.
const publishTimeLayout = time.RFC3339Nano

type topic struct {
	broker   *Broker
	name     string
	settings broker.PublishSettings

	mu       sync.Mutex
	created  bool
	paused   map[string]struct{}
	inflight broker.InFlight
}

func (t *topic) Name() string { return t.name }

// Create runs the transport's SubscribeInitializer for the topic when the
// transport has one. A second Create through the same broker reports
// AlreadyExists.
func (t *topic) Create(ctx context.Context) error {
	if err := t.broker.checkOpen(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.created {
		t.mu.Unlock()
		return broker.AlreadyExists("topic", t.name)
	}
	t.created = true
	t.mu.Unlock()

	if err := t.broker.initialize(t.name, ""); err != nil {
		t.mu.Lock()
		t.created = false
		t.mu.Unlock()
		return fmt.Errorf("initialize topic %s: %w", t.name, err)
	}
	return nil
}

func (t *topic) Exists(ctx context.Context) (bool, error) {
	if err := t.broker.checkOpen(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *topic) Publish(ctx context.Context, msg broker.Message) (string, error) {
	if err := t.broker.checkOpen(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := msg.OrderingKey
	t.mu.Lock()
	if _, paused := t.paused[key]; paused && key != "" {
		t.mu.Unlock()
		return "", broker.OrderingKeyPaused(key)
	}
	t.inflight.Begin()
	t.mu.Unlock()

	wm := t.toWatermill(msg)
	wm.SetContext(ctx)

	done := make(chan error, 1)
	go func() {
		defer t.inflight.End()
		done <- t.broker.tr.Publisher.Publish(t.name, wm)
	}()

	var timeout <-chan time.Time
	if t.settings.Timeout > 0 {
		timer := time.NewTimer(t.settings.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timeout:
		err = fmt.Errorf("publish to %s: %w", t.name, context.DeadlineExceeded)
	}
	if err != nil {
		if key != "" {
			t.mu.Lock()
			t.paused[key] = struct{}{}
			t.mu.Unlock()
		}
		return "", err
	}
	return wm.UUID, nil
}

func (t *topic) toWatermill(msg broker.Message) *message.Message {
	md := metadata.ToWatermill(msg.Attributes)
	md.Set(metadata.KeyPublishedAt, t.broker.now().UTC().Format(publishTimeLayout))
	if msg.OrderingKey != "" {
		md.Set(metadata.KeyOrderingKey, msg.OrderingKey)
	}
	wm := message.NewMessage(ids.CreateULID(), append([]byte(nil), msg.Data...))
	wm.Metadata = md
	return wm
}

func (t *topic) ResumePublishing(orderingKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paused, orderingKey)
}

func (t *topic) Subscription(name string, settings broker.ReceiveSettings) broker.Subscription {
	return &subscription{broker: t.broker, topic: t.name, name: name, settings: settings}
}

func (t *topic) Flush(ctx context.Context) error {
	return t.inflight.Wait(ctx)
}

// initialize runs SubscribeInitialize on a throwaway subscriber for the
// subscription name, if the transport supports it.
func (b *Broker) initialize(topic, subscription string) error {
	if b.tr.NewSubscriber == nil {
		return nil
	}
	sub, err := b.tr.NewSubscriber(subscription)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	initializer, ok := sub.(message.SubscribeInitializer)
	if !ok {
		return nil
	}
	return initializer.SubscribeInitialize(topic)
}
