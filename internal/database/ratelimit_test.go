package database

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/ipgate/internal/ratelimit"
)

func TestCounter_MutateCreatesAndPersists(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.GetCounter(ctx, ratelimit.ScopeAddress, "198.51.100.4")
	assert.ErrorIs(t, err, ratelimit.ErrCounterNotFound)

	var seen ratelimit.Counter
	require.NoError(t, db.MutateCounter(ctx, ratelimit.ScopeAddress, "198.51.100.4", t0, func(c *ratelimit.Counter) {
		seen = *c
		until := t0.Add(time.Hour)
		c.IsBlocked = true
		c.BlockedUntil = &until
	}))
	assert.Equal(t, "198.51.100.4", seen.Key)
	assert.Zero(t, seen.FailedAttempts)
	assert.True(t, t0.Equal(seen.FirstAttemptAt))

	c, err := db.GetCounter(ctx, ratelimit.ScopeAddress, "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, c.IsBlocked)
	require.NotNil(t, c.BlockedUntil)
	assert.True(t, t0.Add(time.Hour).Equal(*c.BlockedUntil))

	// the user table is separate
	_, err = db.GetCounter(ctx, ratelimit.ScopeUser, "198.51.100.4")
	assert.ErrorIs(t, err, ratelimit.ErrCounterNotFound)
}

func TestCounter_RecordFailures(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	keys := map[ratelimit.Scope]string{ratelimit.ScopeAddress: "198.51.100.4", ratelimit.ScopeUser: "u1"}
	require.NoError(t, db.RecordFailures(ctx, keys, t0))
	require.NoError(t, db.RecordFailures(ctx, keys, t0.Add(time.Minute)))

	for scope, key := range keys {
		c, err := db.GetCounter(ctx, scope, key)
		require.NoError(t, err)
		assert.Equal(t, 2, c.FailedAttempts)
		assert.True(t, t0.Equal(c.FirstAttemptAt), "window start is kept")
		assert.True(t, t0.Add(time.Minute).Equal(c.LastAttemptAt))
	}

	err := db.RecordFailures(ctx, map[ratelimit.Scope]string{ratelimit.ScopeUser: ""}, t0)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidKey)
}

func TestCounter_Reset(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	key := map[ratelimit.Scope]string{ratelimit.ScopeUser: "u1"}
	require.NoError(t, db.RecordFailures(ctx, key, t0))
	require.NoError(t, db.MutateCounter(ctx, ratelimit.ScopeUser, "u1", t0, func(c *ratelimit.Counter) {
		until := t0.Add(2 * time.Hour)
		c.IsBlocked = true
		c.BlockedUntil = &until
	}))

	later := t0.Add(5 * time.Minute)
	require.NoError(t, db.ResetCounter(ctx, ratelimit.ScopeUser, "u1", later))
	c, err := db.GetCounter(ctx, ratelimit.ScopeUser, "u1")
	require.NoError(t, err)
	assert.Zero(t, c.FailedAttempts)
	assert.False(t, c.IsBlocked)
	assert.Nil(t, c.BlockedUntil)
	assert.True(t, later.Equal(c.FirstAttemptAt))

	require.NoError(t, db.ResetCounter(ctx, ratelimit.ScopeUser, "nobody", later))
}

func TestCounter_UnknownScope(t *testing.T) {
	db := testDB(t)
	err := db.MutateCounter(context.Background(), "device", "x", t0, func(*ratelimit.Counter) {})
	assert.ErrorIs(t, err, ratelimit.ErrInvalidKey)
}

func TestCounter_LimiterOnSQLite(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := t0
	limiter, err := ratelimit.New(db, ratelimit.DefaultConfig(), nil)
	require.NoError(t, err)
	limiter.WithClock(func() time.Time { return now })

	addr := netip.MustParseAddr("198.51.100.4")
	for i := 0; i < 5; i++ {
		require.True(t, limiter.Check(ctx, addr, "").Allowed)
		require.NoError(t, limiter.RecordFailure(ctx, addr, ""))
	}
	d := limiter.Check(ctx, addr, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonAddressLimit, d.Reason)

	now = now.Add(time.Hour)
	assert.True(t, limiter.Check(ctx, addr, "").Allowed)

	c, err := db.GetCounter(ctx, ratelimit.ScopeAddress, "198.51.100.4")
	require.NoError(t, err)
	assert.Zero(t, c.FailedAttempts, "window elapsed, counter restarted")
	assert.False(t, c.IsBlocked)
}

func TestCounter_LastAttemptTracksFailures(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := t0
	limiter, err := ratelimit.New(db, ratelimit.DefaultConfig(), nil)
	require.NoError(t, err)
	limiter.WithClock(func() time.Time { return now })

	addr := netip.MustParseAddr("198.51.100.4")
	require.NoError(t, limiter.RecordFailure(ctx, addr, ""))

	now = t0.Add(5 * time.Minute)
	require.True(t, limiter.Check(ctx, addr, "").Allowed)
	c, err := db.GetCounter(ctx, ratelimit.ScopeAddress, "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, t0.Equal(c.LastAttemptAt), "evaluations leave the last failure time alone")
	assert.Equal(t, 1, c.FailedAttempts)

	now = t0.Add(7 * time.Minute)
	require.NoError(t, limiter.RecordFailure(ctx, addr, ""))
	c, err = db.GetCounter(ctx, ratelimit.ScopeAddress, "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, now.Equal(c.LastAttemptAt))
}

// Concurrent failures against one key on a pooled file database are all
// counted.
func TestCounter_ConcurrentFailures(t *testing.T) {
	db := fileDB(t)
	ctx := context.Background()
	keys := map[ratelimit.Scope]string{ratelimit.ScopeAddress: "198.51.100.4", ratelimit.ScopeUser: "u1"}

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- db.RecordFailures(ctx, keys, t0)
				errs <- db.MutateCounter(ctx, ratelimit.ScopeAddress, "198.51.100.4", t0, func(c *ratelimit.Counter) {
					c.LastAttemptAt = t0
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for scope, key := range keys {
		c, err := db.GetCounter(ctx, scope, key)
		require.NoError(t, err)
		assert.Equal(t, workers*perWorker, c.FailedAttempts, scope)
	}
}
