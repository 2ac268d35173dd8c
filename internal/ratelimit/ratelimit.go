// Package ratelimit tracks failed attempts per client address and per user
// and blocks keys that exceed their limit.
//
// Counters use a sliding window by replacement: once the window has
// elapsed since the first counted failure, the next evaluation starts a
// fresh window. A key that reaches its threshold is blocked for a fixed
// duration.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStore wraps failures of the counter store.
	ErrStore = errors.New("rate limit store error")
	// ErrInvalidKey is returned for an empty or malformed counter key.
	ErrInvalidKey = errors.New("invalid rate limit key")
	// ErrCounterNotFound is returned when no counter exists for a key.
	ErrCounterNotFound = errors.New("rate limit counter not found")
)

// Scope selects which counter family a key belongs to.
type Scope string

const (
	ScopeAddress Scope = "ip"
	ScopeUser    Scope = "user"
)

// ParseScope accepts "ip" or "user". "address" is an alias for "ip".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "ip", "address":
		return ScopeAddress, nil
	case "user":
		return ScopeUser, nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidKey, s)
	}
}

// Reason codes reported in decisions.
const (
	ReasonAddressLimit = "ip_rate_limit"
	ReasonUserLimit    = "user_rate_limit"
	ReasonStoreError   = "ratelimit_store_error"
)

// Reason returns the denial reason for a scope.
func (s Scope) Reason() string {
	if s == ScopeUser {
		return ReasonUserLimit
	}
	return ReasonAddressLimit
}

// Counter is the persisted state of one key. LastAttemptAt is the time of
// the most recent failed attempt; evaluations persist only window resets and
// block changes.
type Counter struct {
	Key            string     `json:"key"`
	FailedAttempts int        `json:"failed_attempts"`
	FirstAttemptAt time.Time  `json:"first_attempt_at"`
	LastAttemptAt  time.Time  `json:"last_attempt_at"`
	IsBlocked      bool       `json:"is_blocked"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
}

// Limit configures one scope.
type Limit struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	Window        time.Duration `json:"window" yaml:"window"`
	BlockDuration time.Duration `json:"block_duration" yaml:"block_duration"`
}

// DefaultAddressLimit is 5 failures per 15 minutes with a one hour block.
func DefaultAddressLimit() Limit {
	return Limit{MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: time.Hour}
}

// DefaultUserLimit is 10 failures per 15 minutes with a two hour block.
func DefaultUserLimit() Limit {
	return Limit{MaxAttempts: 10, Window: 15 * time.Minute, BlockDuration: 2 * time.Hour}
}

// Validate checks that the limit is usable.
func (l Limit) Validate() error {
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", l.MaxAttempts)
	}
	if l.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", l.Window)
	}
	if l.BlockDuration <= 0 {
		return fmt.Errorf("block duration must be positive, got %s", l.BlockDuration)
	}
	return nil
}

// Store persists counters. Implementations must make MutateCounter and
// RecordFailures atomic with respect to concurrent calls on the same key.
type Store interface {
	// MutateCounter loads the counter for key, creating it with zero
	// failures and FirstAttemptAt = now when missing, passes it to fn and
	// writes the result back, all in one transaction.
	MutateCounter(ctx context.Context, scope Scope, key string, now time.Time, fn func(*Counter)) error

	// RecordFailures increments FailedAttempts and sets LastAttemptAt for
	// every given key in one transaction. Missing counters are created.
	RecordFailures(ctx context.Context, keys map[Scope]string, now time.Time) error

	// GetCounter returns the stored counter or ErrCounterNotFound.
	GetCounter(ctx context.Context, scope Scope, key string) (Counter, error)

	// ResetCounter clears failures and block state. It is a no-op for
	// unknown keys.
	ResetCounter(ctx context.Context, scope Scope, key string, now time.Time) error
}
