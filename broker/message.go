package broker

import (
	"sync/atomic"
	"time"
)

// Acknowledger settles a received message.
type Acknowledger interface {
	Ack()
	Nack()
}

// Message is a published or received unit. Fields set by the broker on
// receipt (ID, PublishTime, DeliveryAttempt) are ignored on publish. Message
// is a plain value; settle state lives in the receipt of received messages.
type Message struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	OrderingKey     string
	PublishTime     time.Time
	DeliveryAttempt int

	receipt *receipt
}

type receipt struct {
	acker   Acknowledger
	settled atomic.Bool
}

// NewReceived returns a message that settles through acker. A nil acker still
// tracks settlement.
func NewReceived(msg Message, acker Acknowledger) *Message {
	msg.receipt = &receipt{acker: acker}
	return &msg
}

// Ack acknowledges the message. Only the first Ack or Nack has an effect; the
// return value reports whether this call was it. Messages not obtained from
// NewReceived have nothing to settle and always return false.
func (m *Message) Ack() bool {
	return m.settle(Acknowledger.Ack)
}

// Nack asks the broker to redeliver the message.
func (m *Message) Nack() bool {
	return m.settle(Acknowledger.Nack)
}

func (m *Message) settle(fn func(Acknowledger)) bool {
	if m.receipt == nil || !m.receipt.settled.CompareAndSwap(false, true) {
		return false
	}
	if m.receipt.acker != nil {
		fn(m.receipt.acker)
	}
	return true
}

// Settled reports whether the message was acked or nacked.
func (m *Message) Settled() bool {
	return m.receipt != nil && m.receipt.settled.Load()
}

// AckFuncs adapts two functions to Acknowledger.
type AckFuncs struct {
	OnAck  func()
	OnNack func()
}

func (f AckFuncs) Ack() {
	if f.OnAck != nil {
		f.OnAck()
	}
}

func (f AckFuncs) Nack() {
	if f.OnNack != nil {
		f.OnNack()
	}
}
