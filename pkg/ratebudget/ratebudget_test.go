package ratebudget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
)

func testLimits(maxCalls int, window time.Duration) map[string]config.RateLimitConfig {
	return map[string]config.RateLimitConfig{
		"fitbit": {MaxCalls: maxCalls, Window: window},
	}
}

func TestBudget_Acquire(t *testing.T) {
	t.Run("grants within limit", func(t *testing.T) {
		store := NewMemoryStore()
		budget := New(store, testLimits(5, time.Minute))

		for i := 0; i < 5; i++ {
			require.NoError(t, budget.Acquire(context.Background(), "fitbit", 1))
		}
	})

	t.Run("unknown source is a config error", func(t *testing.T) {
		budget := New(NewMemoryStore(), testLimits(5, time.Minute))

		err := budget.Acquire(context.Background(), "nope", 1)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("oversized reservation is a config error", func(t *testing.T) {
		budget := New(NewMemoryStore(), testLimits(5, time.Minute))

		err := budget.Acquire(context.Background(), "fitbit", 6)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		budget := New(NewMemoryStore(), testLimits(1, time.Hour))
		require.NoError(t, budget.Acquire(context.Background(), "fitbit", 1))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := budget.Acquire(ctx, "fitbit", 1)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
	})
}

func TestBudget_AcquireBlocksUntilRollover(t *testing.T) {
	// A stepped clock pins the first six acquires to window one; the
	// clock only advances once the sixth has been denied and slept.
	const window = 50 * time.Millisecond
	base := time.Unix(1000, 0).Truncate(window)

	store := NewMemoryStore()
	budget := New(store, testLimits(5, window))

	var calls atomic.Int64
	budget.now = func() time.Time {
		if calls.Add(1) <= 6 {
			return base
		}
		return base.Add(window)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, budget.Acquire(context.Background(), "fitbit", 1))
	}

	start := time.Now()
	require.NoError(t, budget.Acquire(context.Background(), "fitbit", 1))
	elapsed := time.Since(start)

	// The sixth acquire was denied in window one, slept out the
	// remainder of the window, and succeeded in window two.
	assert.GreaterOrEqual(t, elapsed, window)
	assert.EqualValues(t, 5, store.Count(windowKey("fitbit", base)))
	assert.EqualValues(t, 1, store.Count(windowKey("fitbit", base.Add(window))))
}

func TestBudget_ConcurrentAcquireNeverOverReserves(t *testing.T) {
	const (
		maxCalls = 10
		attempts = 40
		window   = time.Hour // no rollover during the test
	)

	store := NewMemoryStore()
	budget := New(store, testLimits(maxCalls, window))
	budget.now = func() time.Time { return time.Unix(1000, 0) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := budget.Acquire(ctx, "fitbit", 1); err == nil {
				granted.Add(1)
				return
			}
		}()
	}

	// Give winners time to land, then release the blocked losers.
	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.EqualValues(t, maxCalls, granted.Load())
	key := windowKey("fitbit", time.Unix(1000, 0).Truncate(window))
	assert.EqualValues(t, maxCalls, store.Count(key))
}

func TestMemoryStore_Add(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t.Run("denies over max", func(t *testing.T) {
		ok, err := store.Add(ctx, "k1", 3, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Add(ctx, "k1", 3, 5, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.Add(ctx, "k1", 2, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expired counters reset", func(t *testing.T) {
		now := time.Unix(0, 0)
		store := NewMemoryStore()
		store.now = func() time.Time { return now }

		ok, _ := store.Add(ctx, "k2", 5, 5, time.Second)
		require.True(t, ok)
		ok, _ = store.Add(ctx, "k2", 1, 5, time.Second)
		require.False(t, ok)

		now = now.Add(2 * time.Second)
		ok, _ = store.Add(ctx, "k2", 1, 5, time.Second)
		assert.True(t, ok, "expired counter should have been pruned")
	})
}
