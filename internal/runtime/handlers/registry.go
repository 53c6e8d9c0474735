package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/flowrpc/internal/runtime/codec"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
)

// HandlerFunc serves one request. The result is normalized by NormalizeResult;
// event handlers' results are discarded.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Registry maps encoded patterns to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	events   map[string][]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		events:   make(map[string][]HandlerFunc),
	}
}

// Register binds the request handler for pattern. A pattern has at most one
// request handler.
func (r *Registry) Register(pattern any, handler HandlerFunc) (string, error) {
	key, err := r.key(pattern, handler)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return "", fmt.Errorf("%w: %s", errspkg.ErrDuplicateHandler, key)
	}
	r.handlers[key] = handler
	return key, nil
}

// RegisterEvent adds an event handler for pattern. Every event handler of a
// pattern receives each event.
func (r *Registry) RegisterEvent(pattern any, handler HandlerFunc) (string, error) {
	key, err := r.key(pattern, handler)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[key] = append(r.events[key], handler)
	return key, nil
}

// Lookup returns the request handler for an encoded pattern.
func (r *Registry) Lookup(pattern string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[pattern]
	return h, ok
}

// Events returns the event handlers for an encoded pattern.
func (r *Registry) Events(pattern string) []HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.events[pattern]
	out := make([]HandlerFunc, len(hs))
	copy(out, hs)
	return out
}

// Patterns lists every registered encoded pattern.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.handlers)+len(r.events))
	for p := range r.handlers {
		seen[p] = struct{}{}
	}
	for p := range r.events {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) key(pattern any, handler HandlerFunc) (string, error) {
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	return codec.EncodePattern(pattern)
}
