package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	// postgresLockID identifies this application's advisory lock.
	postgresLockID = 7305092241
	mysqlLockName  = "ipgate-migrations"
	// mysqlLockTimeout is the GET_LOCK wait in seconds per attempt.
	mysqlLockTimeout = 10

	lockRetries    = 10
	lockRetryDelay = 100 * time.Millisecond
)

// acquireMigrationLock takes a database-wide lock. Session locks are taken
// on a dedicated connection so that the unlock runs on the session that
// holds the lock.
func (m *MigrationRunner) acquireMigrationLock(ctx context.Context) (func(), error) {
	switch m.dialect {
	case DialectPostgres:
		return m.acquirePostgresLock(ctx)
	case DialectMySQL:
		return m.acquireMySQLLock(ctx)
	default:
		return m.acquireSQLiteLock(ctx)
	}
}

func (m *MigrationRunner) acquirePostgresLock(ctx context.Context) (func(), error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}

	for i := 0; i < lockRetries; i++ {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", postgresLockID).Scan(&acquired); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		if acquired {
			return func() {
				if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", postgresLockID); err != nil {
					m.logger.Warn("failed to release advisory lock", zap.Error(err))
				}
				_ = conn.Close()
			}, nil
		}
		if err := sleep(ctx, i); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("failed to acquire PostgreSQL advisory lock after %d retries", lockRetries)
}

func (m *MigrationRunner) acquireMySQLLock(ctx context.Context) (func(), error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}

	for i := 0; i < lockRetries; i++ {
		// GET_LOCK returns 1 on success, 0 on timeout and NULL on error.
		var result sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", mysqlLockName, mysqlLockTimeout).Scan(&result); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to try MySQL named lock: %w", err)
		}
		if !result.Valid {
			_ = conn.Close()
			return nil, fmt.Errorf("MySQL GET_LOCK returned NULL")
		}
		if result.Int64 == 1 {
			return func() {
				if _, err := conn.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", mysqlLockName); err != nil {
					m.logger.Warn("failed to release MySQL named lock", zap.Error(err))
				}
				_ = conn.Close()
			}, nil
		}
		m.logger.Info("migration lock busy, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", lockRetries),
		)
		if err := sleep(ctx, i); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("failed to acquire MySQL named lock after %d retries", lockRetries)
}

// acquireSQLiteLock uses a single-row lock table.
func (m *MigrationRunner) acquireSQLiteLock(ctx context.Context) (func(), error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			locked BOOLEAN NOT NULL DEFAULT 0,
			locked_at DATETIME,
			process_id INTEGER
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `INSERT OR IGNORE INTO migration_lock (id, locked) VALUES (1, 0)`); err != nil {
		return nil, fmt.Errorf("failed to initialize lock table: %w", err)
	}

	for i := 0; i < lockRetries; i++ {
		res, err := m.db.ExecContext(ctx, `
			UPDATE migration_lock
			SET locked = 1, locked_at = CURRENT_TIMESTAMP, process_id = ?
			WHERE id = 1 AND locked = 0
		`, os.Getpid())
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return func() {
				_, _ = m.db.ExecContext(context.Background(), `UPDATE migration_lock SET locked = 0 WHERE id = 1`)
			}, nil
		}
		if err := sleep(ctx, i); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("migration lock is already held by another process (retried %d times)", lockRetries)
}

func sleep(ctx context.Context, attempt int) error {
	if attempt >= lockRetries-1 {
		return nil
	}
	t := time.NewTimer(lockRetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
