package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process memory. A single mutex serializes
// all operations.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Scope]map[string]*Counter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: map[Scope]map[string]*Counter{
		ScopeAddress: {},
		ScopeUser:    {},
	}}
}

func (m *MemoryStore) getOrCreateLocked(scope Scope, key string, now time.Time) *Counter {
	bucket := m.counters[scope]
	if bucket == nil {
		bucket = map[string]*Counter{}
		m.counters[scope] = bucket
	}
	c := bucket[key]
	if c == nil {
		c = &Counter{Key: key, FirstAttemptAt: now, LastAttemptAt: now}
		bucket[key] = c
	}
	return c
}

func (m *MemoryStore) MutateCounter(ctx context.Context, scope Scope, key string, now time.Time, fn func(*Counter)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreateLocked(scope, key, now)
	work := copyCounter(*c)
	fn(&work)
	*c = work
	return nil
}

func (m *MemoryStore) RecordFailures(ctx context.Context, keys map[Scope]string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for scope, key := range keys {
		c := m.getOrCreateLocked(scope, key, now)
		c.FailedAttempts++
		c.LastAttemptAt = now
	}
	return nil
}

func (m *MemoryStore) GetCounter(ctx context.Context, scope Scope, key string) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters[scope][key]
	if c == nil {
		return Counter{}, ErrCounterNotFound
	}
	return copyCounter(*c), nil
}

func (m *MemoryStore) ResetCounter(ctx context.Context, scope Scope, key string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.counters[scope][key]; c != nil {
		c.FailedAttempts = 0
		c.FirstAttemptAt = now
		c.IsBlocked = false
		c.BlockedUntil = nil
	}
	return nil
}

func copyCounter(c Counter) Counter {
	if c.BlockedUntil != nil {
		t := *c.BlockedUntil
		c.BlockedUntil = &t
	}
	return c
}
