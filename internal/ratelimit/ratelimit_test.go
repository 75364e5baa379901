package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitlab/internal/db/dbtest"
	"splitlab/internal/ratelimit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) HitWindow(context.Context, string, time.Time, time.Duration, int) (bool, error) {
	return false, errors.New("connection refused")
}

func stores(t *testing.T) map[string]ratelimit.Store {
	return map[string]ratelimit.Store{
		"memory":   ratelimit.NewMemoryStore(),
		"database": dbtest.Open(t),
	}
}

func TestLimiter_Boundary(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
			l := ratelimit.New(store, 10, ratelimit.WithClock(c.Now))
			key := ratelimit.Key{Client: "203.0.113.7", Visitor: "v1", Experiment: "pricing"}

			for i := 1; i <= 10; i++ {
				require.True(t, l.Allow(ctx, key), "request %d", i)
				c.Advance(time.Second)
			}
			assert.False(t, l.Allow(ctx, key), "11th request inside the window")
			assert.False(t, l.Allow(ctx, key))

			other := key
			other.Experiment = "checkout"
			assert.True(t, l.Allow(ctx, other))

			c.Advance(ratelimit.Window)
			assert.True(t, l.Allow(ctx, key), "window elapsed")
			for i := 2; i <= 10; i++ {
				require.True(t, l.Allow(ctx, key), "request %d after reset", i)
			}
			assert.False(t, l.Allow(ctx, key), "counter restarted at 1")
		})
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			l := ratelimit.New(store, 5, ratelimit.WithClock(func() time.Time { return now }))
			key := ratelimit.Key{Client: "198.51.100.1", Visitor: "v", Experiment: "race"}

			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.Allow(ctx, key) {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(5), allowed.Load())
		})
	}
}

func TestLimiter_FailOpen(t *testing.T) {
	l := ratelimit.New(failingStore{}, 1)
	key := ratelimit.Key{Client: "c", Visitor: "v", Experiment: "e"}
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(context.Background(), key))
	}
}

func TestKey_Hash(t *testing.T) {
	a := ratelimit.Key{Client: "1.2.3.4", Visitor: "v", Experiment: "x"}
	b := ratelimit.Key{Client: "1.2.3.4v", Visitor: "", Experiment: "x"}
	assert.Len(t, a.Hash(), 64)
	assert.Equal(t, a.Hash(), a.Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestMemoryStore_PruneWindows(t *testing.T) {
	ctx := context.Background()
	m := ratelimit.NewMemoryStore()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _ = m.HitWindow(ctx, "old", start, ratelimit.Window, 10)
	_, _ = m.HitWindow(ctx, "new", start.Add(10*time.Minute), ratelimit.Window, 10)

	n, err := m.PruneWindows(ctx, start.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := m.HitWindow(ctx, "new", start.Add(10*time.Minute+time.Second), ratelimit.Window, 1)
	require.NoError(t, err)
	assert.False(t, ok, "surviving window keeps its count")
}
