package ratebudget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore for single-worker
// deployments and tests. It mirrors the conditional-increment
// semantics of RedisStore under a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	count   int64
	expires time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// Add implements CounterStore.
func (s *MemoryStore) Add(_ context.Context, key string, n, max int64, expiry time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)

	c, ok := s.counters[key]
	if !ok {
		c = &memoryCounter{expires: now.Add(expiry)}
		s.counters[key] = c
	}
	if c.count+n > max {
		return false, nil
	}
	c.count += n
	return true, nil
}

// Count reports the current value of a counter, for tests.
func (s *MemoryStore) Count(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c.count
	}
	return 0
}

// Close implements CounterStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) prune(now time.Time) {
	for k, c := range s.counters {
		if now.After(c.expires) {
			delete(s.counters, k)
		}
	}
}
