// Package gate decides whether a request may proceed based on the caller's
// public address and identity.
//
// Evaluation order: master switch, development bypass, address extraction,
// rate limits, admin bypass, decision cache, whitelist. Every evaluation
// yields a Decision; storage failures are resolved inside the gate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/audit"
	"github.com/sofatutor/ipgate/internal/cache"
	"github.com/sofatutor/ipgate/internal/clientip"
	"github.com/sofatutor/ipgate/internal/logging"
	"github.com/sofatutor/ipgate/internal/ratelimit"
	"github.com/sofatutor/ipgate/internal/whitelist"
)

// Options wires the gate's collaborators.
type Options struct {
	Classifier *clientip.Classifier
	Limiter    *ratelimit.Limiter
	Whitelist  whitelist.Store
	// Cache defaults to a memory cache.
	Cache cache.Cache
	// Recorder defaults to a logger-only recorder.
	Recorder     *audit.Recorder
	Logger       *zap.Logger
	StoreTimeout time.Duration
}

// Gate is the access decision orchestrator. It is safe for concurrent use.
type Gate struct {
	policy     atomic.Pointer[Policy]
	classifier *clientip.Classifier
	limiter    *ratelimit.Limiter
	evaluator  *whitelist.Evaluator
	admin      *whitelist.Admin
	cache      cache.Cache
	recorder   *audit.Recorder
	logger     *zap.Logger
}

// New builds a Gate.
func New(policy Policy, opts Options) (*Gate, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Classifier == nil {
		return nil, errors.New("gate: classifier is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("gate: rate limiter is required")
	}
	if opts.Whitelist == nil {
		return nil, errors.New("gate: whitelist store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory(cache.DefaultMaxEntries)
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.NewRecorder(nil, opts.Logger)
	}

	g := &Gate{
		classifier: opts.Classifier,
		limiter:    opts.Limiter,
		evaluator:  whitelist.NewEvaluator(opts.Whitelist, opts.StoreTimeout),
		admin:      whitelist.NewAdmin(opts.Whitelist, opts.Cache, opts.Logger, opts.StoreTimeout),
		cache:      opts.Cache,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
	}
	policy = policy.normalized()
	g.policy.Store(&policy)
	return g, nil
}

// Policy returns the current policy.
func (g *Gate) Policy() Policy {
	return *g.policy.Load()
}

// UpdatePolicy replaces the policy and clears the decision cache.
func (g *Gate) UpdatePolicy(ctx context.Context, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.normalized()
	g.policy.Store(&p)
	g.cache.Clear(ctx)
	g.logger.Info("gate policy updated",
		zap.Bool("enabled", p.Enabled),
		zap.String("mode", string(p.Mode)),
		zap.Bool("admin_bypass", p.AdminBypass),
		zap.Bool("dev_bypass", p.DevBypass),
		zap.Bool("log_all", p.LogAll),
		zap.Duration("cache_ttl", p.CacheTTL),
	)
	return nil
}

// Evaluate decides on r for the given identity.
func (g *Gate) Evaluate(ctx context.Context, r *http.Request, id Identity) Decision {
	policy := g.Policy()
	rec := audit.Record{
		UserID:    id.UserID,
		Email:     id.Email,
		UserAgent: r.UserAgent(),
		RequestID: logging.RequestIDFromContext(ctx),
	}

	if !policy.Enabled {
		d := Decision{Allowed: true, Source: SourceDisabled, Reason: ReasonDisabled}
		if policy.LogAll {
			g.log(ctx, rec, d)
		}
		return d
	}
	if policy.devBypassActive() {
		d := Decision{Allowed: true, Source: SourceDevBypass, Reason: ReasonDevBypass}
		if policy.LogAll {
			g.log(ctx, rec, d)
		}
		return d
	}

	res, err := g.classifier.Classify(r.Header, r.RemoteAddr)
	if err != nil {
		logging.FromContext(ctx, g.logger).Debug("client address rejected", zap.Error(err))
		return g.finish(ctx, policy, rec, Decision{Source: SourceExtractionFailed, Reason: ReasonNoPublicIP})
	}
	addr := res.Addr
	rec.Address = addr.String()

	rl := g.limiter.Check(ctx, addr, id.UserID)
	if !rl.Allowed {
		return g.finish(ctx, policy, rec, Decision{Address: addr.String(), Source: SourceRateLimited, Reason: rl.Reason})
	}

	d := g.decide(ctx, policy, addr, id)
	if rl.Degraded {
		d.Degraded = true
		d.DegradedReason = rl.Reason
	}
	return g.finish(ctx, policy, rec, d)
}

// decide runs the stages after rate limiting.
func (g *Gate) decide(ctx context.Context, policy Policy, addr netip.Addr, id Identity) Decision {
	if id.IsAdmin && policy.AdminBypass {
		return Decision{Allowed: true, Address: addr.String(), Source: SourceAdminBypass, Reason: ReasonAdminBypass}
	}

	key := cache.Key(addr, id.UserID)
	if allowed, ok := g.cache.Get(ctx, key); ok {
		d := Decision{Allowed: allowed, Address: addr.String(), Source: SourceCache, Reason: ReasonCachedDeny}
		if allowed {
			d.Reason = ReasonCachedAllow
		}
		return d
	}

	entry, err := g.evaluator.Match(ctx, addr, id.UserID)
	if err != nil {
		logging.FromContext(ctx, g.logger).Error("whitelist lookup failed",
			zap.String("event", ReasonWhitelistStoreError),
			zap.String("address", addr.String()),
			zap.String("mode", string(policy.Mode)),
			zap.Error(err),
		)
		// store failures are not cached
		return Decision{
			Allowed: policy.Mode == ModePermissive,
			Address: addr.String(),
			Source:  SourceDatabase,
			Reason:  ReasonWhitelistStoreError,
		}
	}

	d := Decision{Address: addr.String(), Source: SourceDatabase, Reason: ReasonNotWhitelisted}
	if entry != nil {
		d.Allowed = true
		d.Reason = ReasonWhitelisted
		d.MatchedEntry = entry
	}
	g.cache.Set(ctx, key, d.Allowed, policy.CacheTTL)
	return d
}

// finish records denials, and allows too when LogAll is set.
func (g *Gate) finish(ctx context.Context, policy Policy, rec audit.Record, d Decision) Decision {
	if policy.LogAll || !d.Allowed {
		g.log(ctx, rec, d)
	}
	return d
}

func (g *Gate) log(ctx context.Context, rec audit.Record, d Decision) {
	rec.Granted = d.Allowed
	rec.Source = string(d.Source)
	if !d.Allowed {
		rec.DenialReason = d.Reason
	}
	if d.MatchedEntry != nil {
		rec.MatchedEntry = d.MatchedEntry.ID
	}
	rec.Degraded = d.Degraded
	g.recorder.Record(ctx, rec)
}

// RecordFailedAttempt counts a failed attempt, e.g. a rejected credential
// check, against the address and optional user.
func (g *Gate) RecordFailedAttempt(ctx context.Context, address, userID string) error {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ratelimit.ErrInvalidKey, err)
	}
	if err := g.limiter.RecordFailure(ctx, addr.WithZone(""), userID); err != nil {
		return err
	}
	logging.FromContext(ctx, g.logger).Info("failed attempt recorded",
		zap.String("address", addr.String()),
		zap.String("user_id", userID),
	)
	return nil
}

// AddWhitelistEntry validates and stores an entry, then clears the cache.
func (g *Gate) AddWhitelistEntry(ctx context.Context, req whitelist.AddRequest) (whitelist.Entry, error) {
	return g.admin.Add(ctx, req)
}

// RemoveWhitelistEntry deletes an entry, then clears the cache.
func (g *Gate) RemoveWhitelistEntry(ctx context.Context, id string) error {
	return g.admin.Remove(ctx, id)
}

// DeactivateWhitelistEntry disables an entry, then clears the cache.
func (g *Gate) DeactivateWhitelistEntry(ctx context.Context, id string) error {
	return g.admin.Deactivate(ctx, id)
}

// ListWhitelistEntries lists entries for administration.
func (g *Gate) ListWhitelistEntries(ctx context.Context, f whitelist.Filter) ([]whitelist.Entry, error) {
	return g.admin.List(ctx, f)
}

// CounterStatus reports a rate limit counter.
func (g *Gate) CounterStatus(ctx context.Context, scope ratelimit.Scope, key string) (ratelimit.Status, error) {
	return g.limiter.Status(ctx, scope, key)
}

// ResetCounter lifts a rate limit block.
func (g *Gate) ResetCounter(ctx context.Context, scope ratelimit.Scope, key string) error {
	return g.limiter.Reset(ctx, scope, key)
}

// AccessLog queries recorded decisions.
func (g *Gate) AccessLog(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	return g.recorder.List(ctx, f)
}

// ClearCache drops every cached decision.
func (g *Gate) ClearCache(ctx context.Context) {
	g.cache.Clear(ctx)
}

// CacheStats reports decision cache traffic when the backend tracks it.
func (g *Gate) CacheStats() (cache.Stats, bool) {
	s, ok := g.cache.(interface{ Stats() cache.Stats })
	if !ok {
		return cache.Stats{}, false
	}
	return s.Stats(), true
}
