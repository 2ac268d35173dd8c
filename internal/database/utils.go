package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RebindQuery converts a query from ? placeholders to the appropriate
// placeholder style for the database driver.
func (d *DB) RebindQuery(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 10)
	count := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			count++
			builder.WriteString(fmt.Sprintf("$%d", count))
		} else {
			builder.WriteByte(query[i])
		}
	}
	return builder.String()
}

func (d *DB) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.RebindQuery(query), args...)
}

func (d *DB) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.RebindQuery(query), args...)
}

func (d *DB) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.RebindQuery(query), args...)
}

// forUpdate returns the row locking clause. SQLite transactions already
// hold the write lock from BEGIN IMMEDIATE.
func (d *DB) forUpdate() string {
	if d.driver == DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// insertIgnore returns an INSERT that skips rows conflicting on keyColumn.
func (d *DB) insertIgnore(table, keyColumn, columns, values string) string {
	if d.driver == DriverMySQL {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, values)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING", table, columns, values, keyColumn)
}

// isUniqueViolation recognizes duplicate key errors of all three drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}

// GetStats returns row counts of the gate tables.
func (d *DB) GetStats(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{"driver": string(d.driver)}
	now := time.Now().UTC()

	counts := []struct {
		name  string
		query string
		args  []any
	}{
		{"whitelist_entries", "SELECT COUNT(*) FROM ip_whitelist", nil},
		{"effective_whitelist_entries", "SELECT COUNT(*) FROM ip_whitelist WHERE is_active = ? AND (expires_at IS NULL OR expires_at > ?)", []any{true, now}},
		{"blocked_addresses", "SELECT COUNT(*) FROM ip_rate_limits WHERE is_blocked = ? AND blocked_until > ?", []any{true, now}},
		{"blocked_users", "SELECT COUNT(*) FROM user_rate_limits WHERE is_blocked = ? AND blocked_until > ?", []any{true, now}},
		{"access_log_records", "SELECT COUNT(*) FROM ip_access_log", nil},
	}
	for _, c := range counts {
		var n int64
		if err := d.queryRow(ctx, d.db, c.query, c.args...).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.name, err)
		}
		stats[c.name] = n
	}
	return stats, nil
}
