package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/crmsync/internal/clock"
)

var _ clock.Clock = (*FakeClock)(nil)

func TestFakeClock_Frozen(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFakeClock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFakeClock(start)

	got := c.Advance(5 * time.Minute)
	assert.Equal(t, start.Add(5*time.Minute), got)
	assert.Equal(t, got, c.Now())
}

func TestFakeClock_SetConvertsToUTC(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	loc := time.FixedZone("X", 3600)
	c.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, loc))

	assert.Equal(t, time.UTC, c.Now().Location())
	assert.Equal(t, 11, c.Now().Hour())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	const numGoroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(numGoroutines), c.Now().Unix())
}

func TestSequentialIDs(t *testing.T) {
	next := SequentialIDs("run")
	assert.Equal(t, "run-1", next())
	assert.Equal(t, "run-2", next())

	other := SequentialIDs("run")
	assert.Equal(t, "run-1", other())
}
