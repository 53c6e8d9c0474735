package runtime

import (
	"errors"
	"time"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
)

// Reply is one reply delivered to a request callback.
type Reply struct {
	ID string
	// Err is a *errors.RemoteError for errors reported by the server, or a
	// local error for timeouts and publish failures.
	Err error
	// Response is the encoded reply value, empty when the reply carries none.
	Response []byte
	Disposed bool
	Status   string
	Seq      int

	codec codec.Codec
}

// HasValue reports whether the reply carries a response value.
func (r Reply) HasValue() bool {
	return len(r.Response) > 0
}

// IsTerminal reports whether no further replies follow.
func (r Reply) IsTerminal() bool {
	return r.Disposed || r.Err != nil
}

// Decode unmarshals the response value into v.
func (r Reply) Decode(v any) error {
	c := r.codec
	if c == nil {
		c = codec.Default()
	}
	return c.Unmarshal(r.Response, v)
}

func (c *Client) toReply(resp codec.IncomingResponse) Reply {
	r := Reply{
		ID:       resp.ID,
		Response: resp.Response,
		Disposed: resp.Disposed,
		Status:   resp.Status,
		Seq:      resp.Seq,
		codec:    c.codec,
	}
	if resp.Err != nil {
		r.Err = resp.Err
	}
	return r
}

// HandleResponse routes one reply message to its pending request. It reports
// whether the reply reached a callback; replies for unknown or completed
// requests are dropped. Only undecodable messages return an error.
func (c *Client) HandleResponse(msg *broker.Message) (bool, error) {
	resp, err := c.deserializer.Deserialize(msg)
	if err != nil {
		return false, err
	}

	p, ok := c.routes.lookup(resp.ID)
	if !ok {
		c.lateReply(resp)
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done.Load() {
		c.lateReply(resp)
		return false, nil
	}

	delivered := false
	for _, r := range p.accept(resp) {
		if !r.IsTerminal() {
			p.callback(c.toReply(r))
			delivered = true
			continue
		}
		if !c.routes.remove(p) {
			return delivered, nil
		}
		p.finish()
		outcome := OutcomeOK
		if r.Err != nil {
			outcome = OutcomeError
		}
		c.metrics.requestFinished(p.pattern, outcome, time.Since(p.started))
		p.callback(c.toReply(r))
		return true, nil
	}
	return delivered, nil
}

func (c *Client) lateReply(resp codec.IncomingResponse) {
	c.metrics.lateReply()
	if !c.conf.LogLateReplies {
		return
	}
	c.Logger.Debug("Dropping reply for unknown or completed request", loggingpkg.LogFields{
		loggingpkg.FieldCorrelationID: resp.ID,
		"seq":                         resp.Seq,
		"disposed":                    resp.Disposed,
	})
}

// consumeReplies drains the reply subscription. Every decodable reply is
// acked, whether or not it was routed; undecodable ones are nacked.
func (c *Client) consumeReplies(deliveries <-chan broker.Delivery, done chan<- struct{}) {
	defer close(done)
	for d := range deliveries {
		if d.Err != nil {
			c.Logger.Error("Reply subscription error", d.Err, nil)
			continue
		}
		if d.Message == nil {
			continue
		}
		if _, err := c.HandleResponse(d.Message); err != nil {
			fields := loggingpkg.MessageFields("", "", d.Message.ID)
			if errors.Is(err, errspkg.ErrMalformedMessage) {
				c.Logger.Error("Malformed reply", err, fields)
			} else {
				c.Logger.Error("Handling reply failed", err, fields)
			}
			d.Message.Nack()
			continue
		}
		d.Message.Ack()
	}
}
