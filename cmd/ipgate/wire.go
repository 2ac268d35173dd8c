package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/audit"
	"github.com/sofatutor/ipgate/internal/cache"
	"github.com/sofatutor/ipgate/internal/clientip"
	"github.com/sofatutor/ipgate/internal/config"
	"github.com/sofatutor/ipgate/internal/database"
	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/ratelimit"
)

// components holds everything the server command starts.
type components struct {
	db      *database.DB
	gate    *gate.Gate
	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var newDatabaseFromConfig = database.NewFromConfig

// buildComponents opens storage and assembles the gate from cfg.
func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	db, err := newDatabaseFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
	}
	c.db = db
	c.closers = append(c.closers, db.Close)
	logger.Info("database opened", zap.String("driver", string(db.Driver())))

	decisions, err := buildCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if rc, ok := decisions.(interface{ Close() error }); ok {
		c.closers = append(c.closers, rc.Close)
	}

	var recorderOpts []audit.RecorderOption
	recorderOpts = append(recorderOpts, audit.WithTimeout(cfg.StoreTimeout))
	if cfg.AuditLogFile != "" {
		file, err := audit.NewFileLogger(audit.FileConfig{FilePath: cfg.AuditLogFile, CreateDir: cfg.AuditCreateDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open access log file: %w", err)
		}
		c.closers = append(c.closers, file.Close)
		recorderOpts = append(recorderOpts, audit.WithFile(file))
		logger.Info("access log file enabled", zap.String("path", file.Path()))
	}

	classifier, err := clientip.New(cfg.ClassifierConfig())
	if err != nil {
		return nil, fmt.Errorf("invalid client address settings: %w", err)
	}
	limiter, err := ratelimit.New(db, cfg.LimiterConfig(), logger.Named("ratelimit"))
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit settings: %w", err)
	}

	c.gate, err = gate.New(cfg.Policy, gate.Options{
		Classifier:   classifier,
		Limiter:      limiter,
		Whitelist:    db,
		Cache:        decisions,
		Recorder:     audit.NewRecorder(db, logger.Named("access"), recorderOpts...),
		Logger:       logger.Named("gate"),
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// redisCache closes its client along with the cache.
type redisCache struct {
	*cache.Redis
	client *redis.Client
}

func (r redisCache) Close() error { return r.client.Close() }

func buildCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Cache, error) {
	if cfg.CacheBackend != config.CacheBackendRedis {
		return cache.NewMemory(cfg.CacheMax), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("redis decision cache enabled", zap.String("addr", cfg.RedisAddr), zap.String("prefix", cfg.RedisCachePrefix))
	return redisCache{Redis: cache.NewRedis(client, cfg.RedisCachePrefix, logger.Named("cache")), client: client}, nil
}
