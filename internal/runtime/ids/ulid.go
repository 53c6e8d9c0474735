// Package ids generates the identifiers flowrpc puts on the wire.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out ULIDs that increase strictly, even within one
// millisecond. Correlation ids and broker message ids come from it, so they
// sort by publish order within a process.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

// NewGenerator returns a Generator reading time from now.
func NewGenerator(now func() time.Time) *Generator {
	return &Generator{now: now, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next 26-character ULID.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator(time.Now)

// CreateULID returns the next ULID of the process-wide generator.
func CreateULID() string {
	return defaultGenerator.Next()
}
