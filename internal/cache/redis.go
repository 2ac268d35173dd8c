package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces decision keys in a shared Redis.
const DefaultRedisPrefix = "ipgate:decision:"

// Redis stores decisions in Redis so several gate instances share them.
// Expiry is delegated to Redis key TTLs.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger

	counters
}

// NewRedis creates a Redis-backed cache. An empty prefix selects DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) Get(ctx context.Context, key string) (bool, bool) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Debug("decision cache read failed", zap.String("key", key), zap.Error(err))
		}
		r.record(false)
		return false, false
	}
	switch val {
	case "1":
		r.record(true)
		return true, true
	case "0":
		r.record(true)
		return false, true
	default:
		r.record(false)
		return false, false
	}
}

func (r *Redis) Set(ctx context.Context, key string, allowed bool, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	val := "0"
	if allowed {
		val = "1"
	}
	if err := r.client.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		r.logger.Debug("decision cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	r.sets.Add(1)
}

// Clear deletes every key under the prefix. SCAN is used so a large
// keyspace does not block Redis.
func (r *Redis) Clear(ctx context.Context) {
	r.clears.Add(1)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 1000).Result()
		if err != nil {
			r.logger.Warn("decision cache clear failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				r.logger.Warn("decision cache clear failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stats returns a snapshot of the cache counters. Entries is not tracked.
func (r *Redis) Stats() Stats {
	return r.snapshot()
}
