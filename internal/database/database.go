// Package database implements the gate's stores on SQLite, PostgreSQL and
// MySQL.
//
// The whitelist, rate limit counter and access log stores are methods on
// DB; each satisfies the Store interface of its domain package.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// DB represents the database connection.
type DB struct {
	db     *sql.DB
	driver DriverType
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// DB returns the underlying sql.DB instance.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Driver returns the driver the connection was opened with.
func (d *DB) Driver() DriverType {
	return d.driver
}

// Ping verifies the connection is usable.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	return d.db.PingContext(ctx)
}

// ensureDirExists creates the directory if it doesn't exist.
func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}

// sqliteSchema is applied on every open. PostgreSQL and MySQL are
// versioned by the migrations package instead.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ip_whitelist (
	id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	expires_at DATETIME,
	created_by TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (address, user_id)
);
CREATE INDEX IF NOT EXISTS idx_ip_whitelist_user_id ON ip_whitelist(user_id);
CREATE INDEX IF NOT EXISTS idx_ip_whitelist_active ON ip_whitelist(is_active, expires_at);

CREATE TABLE IF NOT EXISTS ip_rate_limits (
	ip_address TEXT PRIMARY KEY,
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	first_attempt_at DATETIME NOT NULL,
	last_attempt_at DATETIME NOT NULL,
	is_blocked BOOLEAN NOT NULL DEFAULT 0,
	blocked_until DATETIME
);

CREATE TABLE IF NOT EXISTS user_rate_limits (
	user_id TEXT PRIMARY KEY,
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	first_attempt_at DATETIME NOT NULL,
	last_attempt_at DATETIME NOT NULL,
	is_blocked BOOLEAN NOT NULL DEFAULT 0,
	blocked_until DATETIME
);

CREATE TABLE IF NOT EXISTS ip_access_log (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	granted BOOLEAN NOT NULL,
	denial_reason TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	matched_entry TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	degraded BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ip_access_log_ip ON ip_access_log(ip_address);
CREATE INDEX IF NOT EXISTS idx_ip_access_log_user ON ip_access_log(user_id);
CREATE INDEX IF NOT EXISTS idx_ip_access_log_created ON ip_access_log(created_at);
`

func initSQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	// files created before the degraded column existed
	has, err := sqliteHasColumn(db, "ip_access_log", "degraded")
	if err != nil {
		return err
	}
	if !has {
		if _, err := db.Exec(`ALTER TABLE ip_access_log ADD COLUMN degraded BOOLEAN NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to upgrade schema: %w", err)
		}
	}
	return nil
}

func sqliteHasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Transaction executes the given function within a transaction.
func (d *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// If the function panics, rollback the transaction
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// utc normalizes times before they are written, so that lexical
// comparison of SQLite's text timestamps matches time order.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
