package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

type registration struct {
	build Builder
	caps  Capabilities
}

// Registry maps pubsub_system names to transport builders. Names are
// matched case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the registry the transport packages add themselves to
// and the broker backends read from.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a builder without declared capabilities.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: normalizeName(name)})
}

// RegisterWithCapabilities adds or replaces a builder together with what the
// transport offers natively. It panics on an empty name or a nil builder.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := normalizeName(name)
	if key == "" || builder == nil {
		panic("flowrpc: transport registration needs a name and a builder")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = registration{build: builder, caps: caps}
}

// GetCapabilities returns the declared capabilities of name, or a value
// holding only the name when nothing was declared.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	entry, ok := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return Capabilities{Name: name}
	}
	return entry.caps
}

// Build opens the transport named by cfg.GetPubSubSystem. The returned
// transport always carries capabilities. The builder's own win, then those
// reported by a publisher implementing CapabilitiesProvider, then the
// declared ones.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetPubSubSystem()
	r.mu.RLock()
	entry, ok := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}

	tr, err := entry.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build transport %q: %w", name, err)
	}
	if tr.Publisher == nil || tr.NewSubscriber == nil {
		if tr.Close != nil {
			_ = tr.Close()
		}
		return Transport{}, fmt.Errorf("build transport %q: publisher and subscriber factory are required", name)
	}
	if tr.Capabilities.Name == "" {
		tr.Capabilities = entry.caps
		if p, ok := tr.Publisher.(CapabilitiesProvider); ok {
			tr.Capabilities = p.Capabilities()
		}
	}
	return tr, nil
}

// Names lists the registered transports in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalizeName(name)]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build opens a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
