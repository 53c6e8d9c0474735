package broker

import (
	"context"
	"sync"
)

// InFlight counts running operations and lets callers wait until none are
// left. Begin and Wait may run concurrently. The zero value is ready to use.
type InFlight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// Begin registers one operation.
func (f *InFlight) Begin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

// End marks one operation begun with Begin as finished.
func (f *InFlight) End() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		panic("broker: InFlight.End without Begin")
	}
	f.n--
	if f.n == 0 {
		close(f.idle)
		f.idle = nil
	}
}

// Wait blocks until the count drops to zero or ctx is done.
func (f *InFlight) Wait(ctx context.Context) error {
	f.mu.Lock()
	idle := f.idle
	f.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
