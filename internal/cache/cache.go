// Package cache holds short-lived access decisions keyed by address and user.
//
// The cache is advisory. Backends never surface errors: a failed read is a
// miss and a failed write is dropped.
package cache

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"
)

// Cache stores allow/deny results for a bounded time.
type Cache interface {
	// Get returns the cached result and whether a valid entry exists.
	Get(ctx context.Context, key string) (allowed bool, ok bool)
	// Set stores a result. A non-positive ttl is a no-op.
	Set(ctx context.Context, key string, allowed bool, ttl time.Duration)
	// Clear drops every entry.
	Clear(ctx context.Context)
}

// Key builds the cache key for an address and an optional user scope.
func Key(addr netip.Addr, userID string) string {
	return addr.String() + "|" + userID
}

// Stats counts cache traffic.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Clears  int64 `json:"clears"`
	Entries int   `json:"entries"`
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	clears atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
		Clears: c.clears.Load(),
	}
}

func (c *counters) record(ok bool) {
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}
