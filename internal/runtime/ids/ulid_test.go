package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorIncreasesWithinOneMillisecond(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	g := NewGenerator(func() time.Time { return frozen })

	prev := g.Next()
	for range 50 {
		next := g.Next()
		require.Less(t, prev, next)
		prev = next
	}

	parsed, err := ulid.Parse(prev)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(frozen), parsed.Time())
}

func TestCreateULIDIsUniqueAcrossGoroutines(t *testing.T) {
	const workers, each = 8, 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*each)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*each)
	for id := range seen {
		assert.Len(t, id, ulid.EncodedSize)
	}
}

func TestNewInstanceIDIsRandomUUID(t *testing.T) {
	first, second := NewInstanceID(), NewInstanceID()
	assert.NotEqual(t, first, second)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}
