// Package backend opens a broker.Broker by name. "memory" connects to the
// process-wide in-memory backend; every transport registered with
// transport.DefaultRegistry is reachable through the watermill adapter.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/broker/memory"
	"github.com/drblury/flowrpc/broker/wmbroker"
	"github.com/drblury/flowrpc/transport"

	// Register the built-in watermill transports.
	_ "github.com/drblury/flowrpc/transport/transports"
)

// Memory is the name of the in-memory backend.
const Memory = "memory"

// Builder opens a broker from configuration.
type Builder func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.Broker, error)

var (
	mu       sync.RWMutex
	builders = map[string]Builder{
		Memory: func(context.Context, transport.Config, watermill.LoggerAdapter) (broker.Broker, error) {
			return memory.Default.Connect(), nil
		},
	}
)

// Register adds or replaces a named backend. Registered backends take
// precedence over watermill transports of the same name.
func Register(name string, builder Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[name] = builder
}

// Open connects to the backend named by cfg.GetPubSubSystem. An empty name
// selects the in-memory backend.
func Open(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("broker config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	name := cfg.GetPubSubSystem()
	if name == "" {
		name = Memory
	}

	mu.RLock()
	builder, ok := builders[name]
	mu.RUnlock()
	if ok {
		return builder(ctx, cfg, logger)
	}
	if transport.DefaultRegistry.Has(name) {
		return wmbroker.Open(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown broker backend: %q (available: %v)", name, Names())
}

// Names lists every backend Open accepts.
func Names() []string {
	seen := make(map[string]struct{})
	mu.RLock()
	for name := range builders {
		seen[name] = struct{}{}
	}
	mu.RUnlock()
	for _, name := range transport.DefaultRegistry.Names() {
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
