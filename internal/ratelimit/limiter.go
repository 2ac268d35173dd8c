package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// DefaultStoreTimeout bounds each store call made during an evaluation.
const DefaultStoreTimeout = 2 * time.Second

// Config configures a Limiter.
type Config struct {
	Address      Limit
	User         Limit
	StoreTimeout time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		Address:      DefaultAddressLimit(),
		User:         DefaultUserLimit(),
		StoreTimeout: DefaultStoreTimeout,
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// Reason is set on denial, or to ReasonStoreError when a store failure
	// was ignored.
	Reason       string
	Scope        Scope
	Remaining    int
	BlockedUntil *time.Time
	// Degraded reports that at least one scope could not be checked.
	Degraded bool
}

// Status describes a counter as seen at a point in time.
type Status struct {
	Scope     Scope   `json:"scope"`
	Counter   Counter `json:"counter"`
	Blocked   bool    `json:"blocked"`
	Remaining int     `json:"remaining"`
}

// Limiter applies the address and user limits. It fails open: when the
// store is unavailable the check allows the request.
type Limiter struct {
	store   Store
	address Limit
	user    Limit
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Limiter.
func New(store Store, cfg Config, logger *zap.Logger) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limit store is required")
	}
	if err := cfg.Address.Validate(); err != nil {
		return nil, fmt.Errorf("address limit: %w", err)
	}
	if err := cfg.User.Validate(); err != nil {
		return nil, fmt.Errorf("user limit: %w", err)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:   store,
		address: cfg.Address,
		user:    cfg.User,
		timeout: cfg.StoreTimeout,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) limit(scope Scope) Limit {
	if scope == ScopeUser {
		return l.user
	}
	return l.address
}

// Check evaluates the address limit and, when it passes and userID is
// known, the user limit.
func (l *Limiter) Check(ctx context.Context, addr netip.Addr, userID string) Decision {
	now := l.now().UTC()
	key := addr.Unmap().String()
	result := Decision{Allowed: true, Remaining: l.address.MaxAttempts}

	d, err := l.checkScope(ctx, ScopeAddress, key, now)
	if err != nil {
		l.degraded(ScopeAddress, key, err)
		result.Degraded = true
	} else if !d.Allowed {
		return d
	} else {
		result.Remaining = d.Remaining
	}

	if userID == "" {
		if result.Degraded {
			result.Reason = ReasonStoreError
		}
		return result
	}

	d, err = l.checkScope(ctx, ScopeUser, userID, now)
	if err != nil {
		l.degraded(ScopeUser, userID, err)
		result.Degraded = true
	} else if !d.Allowed {
		return d
	} else if d.Remaining < result.Remaining {
		result.Remaining = d.Remaining
	}
	if result.Degraded {
		result.Reason = ReasonStoreError
	}
	return result
}

func (l *Limiter) degraded(scope Scope, key string, err error) {
	l.logger.Warn("rate limit check skipped",
		zap.String("event", ReasonStoreError),
		zap.String("scope", string(scope)),
		zap.String("key", key),
		zap.Error(err),
	)
}

// checkScope runs one scope evaluation inside a single store transaction.
func (l *Limiter) checkScope(ctx context.Context, scope Scope, key string, now time.Time) (Decision, error) {
	lim := l.limit(scope)
	var d Decision

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.store.MutateCounter(ctx, scope, key, now, func(c *Counter) {
		d = evaluate(c, lim, scope, now)
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return d, nil
}

// evaluate applies one limit to a counter, mutating it in place.
func evaluate(c *Counter, lim Limit, scope Scope, now time.Time) Decision {
	if c.IsBlocked && c.BlockedUntil != nil && c.BlockedUntil.After(now) {
		return Decision{Scope: scope, Reason: scope.Reason(), BlockedUntil: c.BlockedUntil}
	}

	if now.Sub(c.FirstAttemptAt) >= lim.Window {
		c.FailedAttempts = 0
		c.FirstAttemptAt = now
		c.IsBlocked = false
		c.BlockedUntil = nil
	} else if c.IsBlocked {
		// block expired inside the window; the threshold decides again
		c.IsBlocked = false
		c.BlockedUntil = nil
	}

	if c.FailedAttempts >= lim.MaxAttempts {
		until := now.Add(lim.BlockDuration)
		c.IsBlocked = true
		c.BlockedUntil = &until
		return Decision{Scope: scope, Reason: scope.Reason(), BlockedUntil: &until}
	}

	return Decision{Allowed: true, Scope: scope, Remaining: lim.MaxAttempts - c.FailedAttempts}
}

// RecordFailure counts one failed attempt for the address and, when known,
// the user. Both counters are updated in one transaction. The window is
// neither evaluated nor reset here.
func (l *Limiter) RecordFailure(ctx context.Context, addr netip.Addr, userID string) error {
	if !addr.IsValid() {
		return fmt.Errorf("%w: address is required", ErrInvalidKey)
	}
	keys := map[Scope]string{ScopeAddress: addr.Unmap().String()}
	if userID != "" {
		keys[ScopeUser] = userID
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.RecordFailures(ctx, keys, l.now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// Status reports the counter for a key without modifying it.
func (l *Limiter) Status(ctx context.Context, scope Scope, key string) (Status, error) {
	if key == "" {
		return Status{}, ErrInvalidKey
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	c, err := l.store.GetCounter(ctx, scope, key)
	if err != nil {
		if errors.Is(err, ErrCounterNotFound) {
			return Status{}, err
		}
		return Status{}, fmt.Errorf("%w: %v", ErrStore, err)
	}

	now := l.now().UTC()
	lim := l.limit(scope)
	s := Status{Scope: scope, Counter: c}
	s.Blocked = c.IsBlocked && c.BlockedUntil != nil && c.BlockedUntil.After(now)
	failures := c.FailedAttempts
	if now.Sub(c.FirstAttemptAt) >= lim.Window {
		failures = 0
	}
	if !s.Blocked && failures < lim.MaxAttempts {
		s.Remaining = lim.MaxAttempts - failures
	}
	return s, nil
}

// Reset clears a counter, lifting any block.
func (l *Limiter) Reset(ctx context.Context, scope Scope, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.ResetCounter(ctx, scope, key, l.now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	l.logger.Info("rate limit counter reset", zap.String("scope", string(scope)), zap.String("key", key))
	return nil
}

// Limits returns the configured address and user limits.
func (l *Limiter) Limits() (address, user Limit) {
	return l.address, l.user
}
