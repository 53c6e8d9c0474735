package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/flowrpc/broker"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
)

// brokerSession holds the broker an engine works on. release closes it; the
// next acquire opens a replacement through the opener, falling back to the
// broker's own Reopen.
type brokerSession struct {
	mu       sync.RWMutex
	current  broker.Broker
	open     broker.Opener
	released bool
}

func newBrokerSession(b broker.Broker, open broker.Opener) *brokerSession {
	return &brokerSession{current: b, open: open}
}

// acquire returns a live broker, reopening it after a release.
func (s *brokerSession) acquire(ctx context.Context) (broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		return s.current, nil
	}

	open := s.open
	if open == nil {
		r, ok := s.current.(broker.Reopener)
		if !ok {
			return nil, fmt.Errorf("%w: broker was closed and cannot be reopened", errspkg.ErrBrokerRequired)
		}
		open = r.Reopen
	}
	b, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("reopen broker: %w", err)
	}
	if b == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	s.current, s.released = b, false
	return b, nil
}

// get returns the current broker without reopening it.
func (s *brokerSession) get() broker.Broker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// release closes the current broker once.
func (s *brokerSession) release(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	b := s.current
	s.mu.Unlock()
	return b.Close(ctx)
}
