package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sofatutor/ipgate/internal/ratelimit"
)

// counterTable maps a scope to its table and key column.
func counterTable(scope ratelimit.Scope) (table, key string, err error) {
	switch scope {
	case ratelimit.ScopeAddress:
		return "ip_rate_limits", "ip_address", nil
	case ratelimit.ScopeUser:
		return "user_rate_limits", "user_id", nil
	default:
		return "", "", fmt.Errorf("%w: unknown scope %q", ratelimit.ErrInvalidKey, scope)
	}
}

const counterColumns = "failed_attempts, first_attempt_at, last_attempt_at, is_blocked, blocked_until"

// MutateCounter runs fn on the counter for key inside one transaction. The
// row is created first when missing and then locked for the update. The row
// is only written back when fn changed it, so a plain evaluation leaves
// last_attempt_at at the time of the last failure.
func (d *DB) MutateCounter(ctx context.Context, scope ratelimit.Scope, key string, now time.Time, fn func(*ratelimit.Counter)) error {
	table, keyCol, err := counterTable(scope)
	if err != nil {
		return err
	}
	now = utc(now)

	return d.Transaction(ctx, func(tx *sql.Tx) error {
		insert := d.insertIgnore(table, keyCol,
			keyCol+", failed_attempts, first_attempt_at, last_attempt_at, is_blocked",
			"?, 0, ?, ?, ?")
		if _, err := d.exec(ctx, tx, insert, key, now, now, false); err != nil {
			return fmt.Errorf("failed to create counter: %w", err)
		}

		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?%s", counterColumns, table, keyCol, d.forUpdate())
		c, err := scanCounter(d.queryRow(ctx, tx, query, key))
		if err != nil {
			return fmt.Errorf("failed to read counter: %w", err)
		}
		c.Key = key
		before := c
		if c.BlockedUntil != nil {
			until := *c.BlockedUntil
			before.BlockedUntil = &until
		}

		fn(&c)

		if countersEqual(before, c) {
			return nil
		}
		update := fmt.Sprintf(`
		UPDATE %s
		SET failed_attempts = ?, first_attempt_at = ?, last_attempt_at = ?, is_blocked = ?, blocked_until = ?
		WHERE %s = ?`, table, keyCol)
		_, err = d.exec(ctx, tx, update,
			c.FailedAttempts,
			utc(c.FirstAttemptAt),
			utc(c.LastAttemptAt),
			c.IsBlocked,
			utcPtr(c.BlockedUntil),
			key,
		)
		if err != nil {
			return fmt.Errorf("failed to update counter: %w", err)
		}
		return nil
	})
}

// RecordFailures increments every given counter in one transaction.
func (d *DB) RecordFailures(ctx context.Context, keys map[ratelimit.Scope]string, now time.Time) error {
	now = utc(now)
	return d.Transaction(ctx, func(tx *sql.Tx) error {
		// fixed order keeps lock acquisition consistent across callers
		for _, scope := range []ratelimit.Scope{ratelimit.ScopeAddress, ratelimit.ScopeUser} {
			key, ok := keys[scope]
			if !ok {
				continue
			}
			if key == "" {
				return fmt.Errorf("%w: empty %s key", ratelimit.ErrInvalidKey, scope)
			}
			table, keyCol, err := counterTable(scope)
			if err != nil {
				return err
			}
			if _, err := d.exec(ctx, tx, d.incrementCounter(table, keyCol), key, now, now, false); err != nil {
				return fmt.Errorf("failed to record failure: %w", err)
			}
		}
		return nil
	})
}

// incrementCounter returns an upsert adding one failure.
func (d *DB) incrementCounter(table, keyCol string) string {
	insert := fmt.Sprintf("INSERT INTO %s (%s, failed_attempts, first_attempt_at, last_attempt_at, is_blocked) VALUES (?, 1, ?, ?, ?)", table, keyCol)
	if d.driver == DriverMySQL {
		return insert + " ON DUPLICATE KEY UPDATE failed_attempts = failed_attempts + 1, last_attempt_at = VALUES(last_attempt_at)"
	}
	return insert + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET failed_attempts = %s.failed_attempts + 1, last_attempt_at = excluded.last_attempt_at", keyCol, table)
}

// GetCounter returns the stored counter.
func (d *DB) GetCounter(ctx context.Context, scope ratelimit.Scope, key string) (ratelimit.Counter, error) {
	table, keyCol, err := counterTable(scope)
	if err != nil {
		return ratelimit.Counter{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", counterColumns, table, keyCol)
	c, err := scanCounter(d.queryRow(ctx, d.db, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ratelimit.Counter{}, ratelimit.ErrCounterNotFound
		}
		return ratelimit.Counter{}, fmt.Errorf("failed to get counter: %w", err)
	}
	c.Key = key
	return c, nil
}

// ResetCounter clears failures and block state.
func (d *DB) ResetCounter(ctx context.Context, scope ratelimit.Scope, key string, now time.Time) error {
	table, keyCol, err := counterTable(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
	UPDATE %s
	SET failed_attempts = 0, first_attempt_at = ?, is_blocked = ?, blocked_until = NULL
	WHERE %s = ?`, table, keyCol)
	if _, err := d.exec(ctx, d.db, query, utc(now), false, key); err != nil {
		return fmt.Errorf("failed to reset counter: %w", err)
	}
	return nil
}

func scanCounter(row rowScanner) (ratelimit.Counter, error) {
	var c ratelimit.Counter
	var blockedUntil sql.NullTime
	if err := row.Scan(&c.FailedAttempts, &c.FirstAttemptAt, &c.LastAttemptAt, &c.IsBlocked, &blockedUntil); err != nil {
		return ratelimit.Counter{}, err
	}
	c.FirstAttemptAt = c.FirstAttemptAt.UTC()
	c.LastAttemptAt = c.LastAttemptAt.UTC()
	c.BlockedUntil = timePtr(blockedUntil)
	return c, nil
}

func countersEqual(a, b ratelimit.Counter) bool {
	if a.FailedAttempts != b.FailedAttempts || a.IsBlocked != b.IsBlocked ||
		!a.FirstAttemptAt.Equal(b.FirstAttemptAt) || !a.LastAttemptAt.Equal(b.LastAttemptAt) {
		return false
	}
	if (a.BlockedUntil == nil) != (b.BlockedUntil == nil) {
		return false
	}
	return a.BlockedUntil == nil || a.BlockedUntil.Equal(*b.BlockedUntil)
}
