// Package ratebudget enforces per-provider request budgets shared
// across all worker processes. A budget is a fixed window counter
// (MaxCalls per Window) kept in an external counter store supporting a
// single atomic check-and-increment, so concurrent workers can never
// over-reserve a window and no worker can double-reset it.
package ratebudget

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/logger"
	"github.com/ajitpratap0/datavault/pkg/metrics"
)

// CounterStore is a key-value counter with atomic conditional increment
// and expiry. Window rollover is carried by the key itself: each window
// has its own key and the store expires old ones, so resets need no
// coordination between callers.
type CounterStore interface {
	// Add atomically increments the counter at key by n if the result
	// would not exceed max, setting the expiry when the key is created.
	// Returns whether the reservation was granted.
	Add(ctx context.Context, key string, n, max int64, expiry time.Duration) (bool, error)

	// Close releases store resources.
	Close() error
}

// Budget reserves request slots against per-source windowed counters.
// Budgets are keyed per provider, not per (user, provider): provider
// terms bound the total request rate of the application registration,
// which is shared by every user the workers act for.
type Budget struct {
	store  CounterStore
	limits map[string]config.RateLimitConfig
	logger *zap.Logger

	// now is swappable for tests
	now func() time.Time
}

// New creates a Budget over the given store with per-source limits.
func New(store CounterStore, limits map[string]config.RateLimitConfig) *Budget {
	return &Budget{
		store:  store,
		limits: limits,
		logger: logger.Get().With(zap.String("component", "rate_budget")),
		now:    time.Now,
	}
}

// Limit returns the configured limit for a source.
func (b *Budget) Limit(sourceID string) (config.RateLimitConfig, bool) {
	l, ok := b.limits[sourceID]
	return l, ok
}

// Acquire blocks until n request slots are available for sourceID in
// the current or a future window, then reserves them atomically.
// It returns a rate_store_unavailable error when the counter store is
// unreachable and a config error when the source has no limit or asks
// for more slots than a whole window holds.
func (b *Budget) Acquire(ctx context.Context, sourceID string, n int) error {
	limit, ok := b.limits[sourceID]
	if !ok {
		return errors.Newf(errors.ErrorTypeConfig, "no rate limit configured for source %s", sourceID)
	}
	if int64(n) > int64(limit.MaxCalls) {
		return errors.Newf(errors.ErrorTypeConfig,
			"cannot reserve %d calls for source %s: window holds only %d", n, sourceID, limit.MaxCalls)
	}

	waitTimer := metrics.NewTimer(metrics.RateBudgetWait.WithLabelValues(sourceID))
	defer waitTimer.Stop()

	for {
		now := b.now()
		windowStart := now.Truncate(limit.Window)
		key := windowKey(sourceID, windowStart)

		// Expiry outlives the window so in-flight reservations stay
		// visible while the next window opens.
		granted, err := b.store.Add(ctx, key, int64(n), int64(limit.MaxCalls), 2*limit.Window)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeRateStoreUnavailable,
				"rate counter store unreachable")
		}
		if granted {
			return nil
		}

		// Window is full: sleep until it rolls over.
		wait := windowStart.Add(limit.Window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		b.logger.Debug("rate budget exhausted, waiting for window rollover",
			zap.String("source", sourceID),
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "acquire interrupted")
		case <-timer.C:
		}
	}
}

func windowKey(sourceID string, windowStart time.Time) string {
	return fmt.Sprintf("rate:%s:%d", sourceID, windowStart.UnixMilli())
}
