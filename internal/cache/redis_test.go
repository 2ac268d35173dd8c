package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedis_GetSet(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client, "test:", nil)

	_, ok := c.Get(ctx, "203.0.113.9|")
	require.False(t, ok)

	c.Set(ctx, "203.0.113.9|", true, time.Minute)
	c.Set(ctx, "198.51.100.4|u1", false, time.Minute)

	v, ok := c.Get(ctx, "203.0.113.9|")
	require.True(t, ok)
	require.True(t, v)

	v, ok = c.Get(ctx, "198.51.100.4|u1")
	require.True(t, ok)
	require.False(t, v)

	require.True(t, mr.Exists("test:203.0.113.9|"))
	assert.Equal(t, time.Minute, mr.TTL("test:203.0.113.9|"))

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestRedis_Expiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client, "", nil)

	c.Set(ctx, "k", true, 10*time.Second)
	require.True(t, mr.Exists(DefaultRedisPrefix+"k"))

	mr.FastForward(11 * time.Second)
	_, ok := c.Get(ctx, "k")
	require.False(t, ok)
}

func TestRedis_ClearOnlyOwnPrefix(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client, "test:", nil)

	for _, k := range []string{"a|", "b|", "c|u"} {
		c.Set(ctx, k, true, time.Minute)
	}
	require.NoError(t, mr.Set("other:key", "x"))

	c.Clear(ctx)

	for _, k := range []string{"a|", "b|", "c|u"} {
		_, ok := c.Get(ctx, k)
		assert.False(t, ok, k)
	}
	assert.True(t, mr.Exists("other:key"))
}

func TestRedis_UnavailableIsMiss(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	c := NewRedis(client, "test:", nil)

	c.Set(ctx, "k", true, time.Minute)
	mr.Close()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	c.Set(ctx, "k", true, time.Minute)
	c.Clear(ctx)
}

func TestRedis_GarbageValueIsMiss(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client, "test:", nil)

	require.NoError(t, mr.Set("test:k", "maybe"))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}
