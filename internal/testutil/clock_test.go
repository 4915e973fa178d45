package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_DefaultStart(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(30*time.Second), clock.Advance(30*time.Second))
	assert.Equal(t, start.Add(30*time.Second), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("doc")
	assert.Equal(t, "doc-0001", ids.Generate())
	assert.Equal(t, "doc-0002", ids.Generate())

	assert.Equal(t, "test-0001", NewSequentialIDs("").Generate())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	ids := NewSequentialIDs("x")
	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	results := make(chan string, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- ids.Generate()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}
