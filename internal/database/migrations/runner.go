// Package migrations provides database migration functionality using goose.
//
// PostgreSQL and MySQL schemas are versioned here and embedded in the
// binary. SQLite creates its schema when the database is opened.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sql/postgres/*.sql sql/mysql/*.sql
var embedded embed.FS

// Supported goose dialects.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite3"
)

// ErrUnsupportedDialect is returned for dialects without migrations.
var ErrUnsupportedDialect = errors.New("unsupported migration dialect")

// goose keeps its base filesystem, dialect and logger in package state.
var gooseMu sync.Mutex

// MigrationRunner manages database migrations using goose.
type MigrationRunner struct {
	db      *sql.DB
	dialect string
	fsys    fs.FS
	dir     string
	logger  *zap.Logger
}

// NewMigrationRunner creates a runner over the embedded migrations for
// dialect ("postgres" or "mysql").
func NewMigrationRunner(db *sql.DB, dialect string) (*MigrationRunner, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	switch dialect {
	case DialectPostgres, DialectMySQL:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}
	return &MigrationRunner{
		db:      db,
		dialect: dialect,
		fsys:    embedded,
		dir:     "sql/" + dialect,
		logger:  zap.NewNop(),
	}, nil
}

// WithLogger routes goose output through logger.
func (m *MigrationRunner) WithLogger(logger *zap.Logger) *MigrationRunner {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// NewRunnerFromSource creates a runner over arbitrary migration files.
func NewRunnerFromSource(db *sql.DB, dialect string, fsys fs.FS, dir string) (*MigrationRunner, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	switch dialect {
	case DialectPostgres, DialectMySQL, DialectSQLite:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}
	if fsys == nil || dir == "" {
		return nil, fmt.Errorf("migration source is empty")
	}
	return &MigrationRunner{db: db, dialect: dialect, fsys: fsys, dir: dir, logger: zap.NewNop()}, nil
}

// Dialect returns the goose dialect.
func (m *MigrationRunner) Dialect() string {
	return m.dialect
}

// Up applies all pending migrations.
// Each migration runs in a transaction and will be rolled back if it fails.
// A database lock prevents concurrent runs from several instances.
func (m *MigrationRunner) Up(ctx context.Context) error {
	return m.locked(ctx, func() error {
		if err := goose.UpContext(ctx, m.db, m.dir); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *MigrationRunner) Down(ctx context.Context) error {
	return m.locked(ctx, func() error {
		if err := goose.DownContext(ctx, m.db, m.dir); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Status returns the current migration version, 0 when none is applied.
func (m *MigrationRunner) Status(ctx context.Context) (int64, error) {
	var version int64
	err := m.withGoose(func() error {
		v, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("failed to get migration version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

func (m *MigrationRunner) locked(ctx context.Context, fn func() error) error {
	release, err := m.acquireMigrationLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()
	return m.withGoose(fn)
}

// withGoose configures goose's package state for this runner and holds it
// while fn runs.
func (m *MigrationRunner) withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(m.fsys)
	goose.SetLogger(zap.NewStdLog(m.logger.Named("goose")))
	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn()
}
