package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/flowrpc/internal/runtime/codec"
)

// pendingRequest is one routing entry. Replies for it are delivered in
// sequence order and its callback runs under mu, so a callback never runs
// concurrently with itself.
type pendingRequest struct {
	id       string
	pattern  string
	callback Callback
	started  time.Time
	timeout  time.Duration

	mu       sync.Mutex
	next     int
	buffered map[int]codec.IncomingResponse

	done  atomic.Bool
	timer atomic.Pointer[time.Timer]
}

func newPendingRequest(id, pattern string, callback Callback, timeout time.Duration) *pendingRequest {
	return &pendingRequest{
		id:       id,
		pattern:  pattern,
		callback: callback,
		started:  time.Now(),
		timeout:  timeout,
	}
}

func (p *pendingRequest) setTimer(t *time.Timer) {
	p.timer.Store(t)
	if p.done.Load() {
		t.Stop()
	}
}

func (p *pendingRequest) finish() {
	p.done.Store(true)
	if t := p.timer.Load(); t != nil {
		t.Stop()
	}
}

// accept records resp and returns the replies that are now deliverable in
// order. Replies without a sequence number are delivered as they come;
// duplicates of an already delivered position are dropped. Callers hold mu.
func (p *pendingRequest) accept(resp codec.IncomingResponse) []codec.IncomingResponse {
	if !resp.HasSeq {
		return []codec.IncomingResponse{resp}
	}
	if resp.Seq < p.next {
		return nil
	}
	if resp.Seq > p.next {
		if p.buffered == nil {
			p.buffered = make(map[int]codec.IncomingResponse)
		}
		if _, dup := p.buffered[resp.Seq]; !dup {
			p.buffered[resp.Seq] = resp
		}
		return nil
	}

	ready := []codec.IncomingResponse{resp}
	p.next++
	for {
		r, ok := p.buffered[p.next]
		if !ok {
			break
		}
		delete(p.buffered, p.next)
		ready = append(ready, r)
		p.next++
	}
	return ready
}

// routingTable maps correlation ids to pending requests. An entry is removed
// exactly once; whoever removes it owns the terminal callback.
type routingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newRoutingTable() *routingTable {
	return &routingTable{entries: make(map[string]*pendingRequest)}
}

func (t *routingTable) insert(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[p.id] = p
}

func (t *routingTable) lookup(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	return p, ok
}

// remove deletes the entry for p and reports whether this call did it. An
// entry that was replaced under the same id is left alone.
func (t *routingTable) remove(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.entries[p.id]
	if !ok || current != p {
		return false
	}
	delete(t.entries, p.id)
	return true
}

func (t *routingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
