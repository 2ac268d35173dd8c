package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the memory cache when no limit is configured.
const DefaultMaxEntries = 10000

type memoryEntry struct {
	key       string
	allowed   bool
	writtenAt time.Time
	ttl       time.Duration
	elem      *list.Element
}

// Memory is an in-process TTL+LRU cache. Expired entries are dropped when
// read, never by a background sweep. Each process has its own Memory cache;
// it is not shared between instances.
type Memory struct {
	mu  sync.Mutex
	ll  *list.List
	m   map[string]*memoryEntry
	max int
	now func() time.Time

	counters
}

// NewMemory creates a memory cache holding at most max entries.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Memory{
		ll:  list.New(),
		m:   make(map[string]*memoryEntry),
		max: max,
		now: time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Memory) WithClock(now func() time.Time) *Memory {
	c.now = now
	return c
}

func (c *Memory) Get(_ context.Context, key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := c.m[key]
	if ent == nil {
		c.record(false)
		return false, false
	}
	if c.now().Sub(ent.writtenAt) >= ent.ttl {
		c.removeLocked(ent)
		c.record(false)
		return false, false
	}
	c.ll.MoveToFront(ent.elem)
	c.record(true)
	return ent.allowed, true
}

func (c *Memory) Set(_ context.Context, key string, allowed bool, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets.Add(1)

	now := c.now()
	if ent := c.m[key]; ent != nil {
		ent.allowed = allowed
		ent.writtenAt = now
		ent.ttl = ttl
		c.ll.MoveToFront(ent.elem)
		return
	}

	elem := c.ll.PushFront(key)
	c.m[key] = &memoryEntry{key: key, allowed: allowed, writtenAt: now, ttl: ttl, elem: elem}
	if c.ll.Len() > c.max {
		c.evictOldestLocked()
	}
}

func (c *Memory) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.m = make(map[string]*memoryEntry)
	c.clears.Add(1)
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Memory) Stats() Stats {
	s := c.snapshot()
	s.Entries = c.Len()
	return s
}

func (c *Memory) evictOldestLocked() {
	elem := c.ll.Back()
	if elem == nil {
		return
	}
	key, _ := elem.Value.(string)
	if ent := c.m[key]; ent != nil {
		c.removeLocked(ent)
		return
	}
	c.ll.Remove(elem)
}

func (c *Memory) removeLocked(ent *memoryEntry) {
	delete(c.m, ent.key)
	if ent.elem != nil {
		c.ll.Remove(ent.elem)
	}
}
