package runtime

import (
	"context"
	"iter"
	"sync"

	"github.com/drblury/flowrpc/internal/runtime/codec"
)

// Stream publishes a request and yields every reply value in sequence. The
// sequence ends after the final value, with the first error, or when ctx is
// done. Breaking out of the loop disposes the request.
func (c *Client) Stream(ctx context.Context, pattern any, data any) iter.Seq2[Reply, error] {
	return func(yield func(Reply, error) bool) {
		q := newReplyQueue()
		dispose, err := c.Publish(ctx, codec.Packet{Pattern: pattern, Data: data}, q.push)
		if err != nil {
			yield(Reply{}, err)
			return
		}
		defer dispose()

		for {
			r, err := q.pop(ctx)
			if err != nil {
				yield(Reply{}, asTimeout(err))
				return
			}
			if r.Err != nil {
				yield(r, r.Err)
				return
			}
			if r.HasValue() && !yield(r, nil) {
				return
			}
			if r.Disposed {
				return
			}
		}
	}
}

// Send publishes a request and waits for its terminal reply. It returns the
// last reply value; a request whose handler produced no values returns a
// Reply without value.
func (c *Client) Send(ctx context.Context, pattern any, data any) (Reply, error) {
	var last Reply
	for r, err := range c.Stream(ctx, pattern, data) {
		if err != nil {
			return r, err
		}
		last = r
	}
	return last, nil
}

// Call sends a request and decodes the final reply value into O.
func Call[O any](ctx context.Context, c *Client, pattern any, data any) (O, error) {
	var out O
	r, err := c.Send(ctx, pattern, data)
	if err != nil {
		return out, err
	}
	if !r.HasValue() {
		return out, nil
	}
	if err := r.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// replyQueue is an unbounded hand-off from a request callback to a waiting
// reader, so that callbacks never block on a slow consumer.
type replyQueue struct {
	mu     sync.Mutex
	items  []Reply
	notify chan struct{}
}

func newReplyQueue() *replyQueue {
	return &replyQueue{notify: make(chan struct{}, 1)}
}

func (q *replyQueue) push(r Reply) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *replyQueue) pop(ctx context.Context) (Reply, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
}
