package wmbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

const defaultMaxOutstandingMessages = 1000

type subscription struct {
	broker   *Broker
	topic    string
	name     string
	settings broker.ReceiveSettings

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
}

func (s *subscription) Name() string { return s.name }

func (s *subscription) Create(ctx context.Context, config broker.SubscriptionConfig) error {
	if err := s.broker.checkOpen(); err != nil {
		return err
	}
	if err := s.broker.createSubscription(s.topic, s.name, config); err != nil {
		return err
	}
	if err := s.broker.initialize(s.topic, s.name); err != nil {
		s.broker.deleteSubscription(s.name)
		return fmt.Errorf("initialize subscription %s: %w", s.name, err)
	}
	return nil
}

func (s *subscription) Exists(ctx context.Context) (bool, error) {
	if err := s.broker.checkOpen(); err != nil {
		return false, err
	}
	return true, nil
}

// Receive subscribes a fresh transport subscriber bound to the subscription
// name. Messages rejected by the subscription filter are acked and never
// delivered.
func (s *subscription) Receive(ctx context.Context) (<-chan broker.Delivery, error) {
	sub, err := s.broker.newSubscriber(s.name)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	in, err := sub.Subscribe(ctx, s.topic)
	if err != nil {
		cancel()
		s.broker.forget(sub)
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s on %s: %w", s.name, s.topic, err)
	}

	s.mu.Lock()
	if s.cancels == nil {
		s.cancels = make(map[int]context.CancelFunc)
	}
	s.nextID++
	id := s.nextID
	s.cancels[id] = cancel
	s.mu.Unlock()

	var filter *broker.Filter
	if state, ok := s.broker.subscription(s.name); ok {
		filter = state.filter
	}
	maxOutstanding := s.settings.MaxOutstandingMessages
	if maxOutstanding <= 0 {
		maxOutstanding = defaultMaxOutstandingMessages
	}

	out := make(chan broker.Delivery)
	go func() {
		defer func() {
			cancel()
			s.broker.forget(sub)
			if err := sub.Close(); err != nil {
				s.broker.logger.Error("Closing subscriber failed", err, watermill.LogFields{"subscription": s.name})
			}
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			close(out)
		}()
		s.pump(ctx, in, filter, make(chan struct{}, maxOutstanding), out)
	}()
	return out, nil
}

func (s *subscription) pump(ctx context.Context, in <-chan *message.Message, filter *broker.Filter, slots chan struct{}, out chan<- broker.Delivery) {
	for {
		var wm *message.Message
		select {
		case m, ok := <-in:
			if !ok {
				return
			}
			wm = m
		case <-ctx.Done():
			return
		}

		msg := s.fromWatermill(wm)
		if !filter.Matches(msg.Attributes) {
			wm.Ack()
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			wm.Nack()
			return
		}
		release := sync.OnceFunc(func() { <-slots })
		received := broker.NewReceived(msg, broker.AckFuncs{
			OnAck: func() {
				wm.Ack()
				release()
			},
			OnNack: func() {
				wm.Nack()
				release()
			},
		})

		select {
		case out <- broker.Delivery{Message: received}:
		case <-ctx.Done():
			received.Nack()
			return
		}
	}
}

func (s *subscription) fromWatermill(wm *message.Message) broker.Message {
	attrs := metadata.FromWatermill(wm.Metadata)
	orderingKey := attrs[metadata.KeyOrderingKey]
	publishTime := s.broker.now()
	if raw, ok := attrs[metadata.KeyPublishedAt]; ok {
		if parsed, err := time.Parse(publishTimeLayout, raw); err == nil {
			publishTime = parsed
		}
	}
	delete(attrs, metadata.KeyOrderingKey)
	delete(attrs, metadata.KeyPublishedAt)

	return broker.Message{
		ID:              wm.UUID,
		Data:            wm.Payload,
		Attributes:      attrs,
		OrderingKey:     orderingKey,
		PublishTime:     publishTime,
		DeliveryAttempt: 1,
	}
}

// Close stops the receive loops started through this handle.
func (s *subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Delete forgets the subscription's filter and closes the handle. The
// transport-side queue or consumer group is left to the transport's own
// retention.
func (s *subscription) Delete(ctx context.Context) error {
	if err := s.broker.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.broker.subscription(s.name); !ok {
		return broker.NotFound("subscription", s.name)
	}
	s.broker.deleteSubscription(s.name)
	return s.Close(ctx)
}
