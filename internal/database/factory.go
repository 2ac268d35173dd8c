package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DriverType represents the database driver type.
type DriverType string

const (
	// DriverSQLite represents the SQLite database driver.
	DriverSQLite DriverType = "sqlite"
	// DriverPostgres represents the PostgreSQL database driver.
	DriverPostgres DriverType = "postgres"
	// DriverMySQL represents the MySQL database driver.
	DriverMySQL DriverType = "mysql"
)

// Dialect returns the migration dialect for the driver.
func (d DriverType) Dialect() string {
	switch d {
	case DriverPostgres:
		return migrations.DialectPostgres
	case DriverMySQL:
		return migrations.DialectMySQL
	default:
		return migrations.DialectSQLite
	}
}

// Config contains the complete database configuration for all drivers.
type Config struct {
	// Driver specifies which database driver to use (sqlite, postgres, mysql).
	Driver DriverType
	// Path is the path to the SQLite database file, or ":memory:".
	Path string
	// DatabaseURL is the PostgreSQL or MySQL connection string.
	DatabaseURL string
	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int
	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration
	// SkipMigrations leaves the PostgreSQL/MySQL schema untouched on open.
	SkipMigrations bool
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "data/ipgate.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// ConfigFromEnv creates a Config from environment variables.
// Invalid values are logged as warnings and defaults are used.
func ConfigFromEnv(logger *zap.Logger) Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := DefaultConfig()

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		driverType := DriverType(strings.ToLower(driver))
		if driverType != DriverSQLite && driverType != DriverPostgres && driverType != DriverMySQL {
			logger.Warn("unsupported DB_DRIVER, defaulting to sqlite", zap.String("value", driver))
		} else {
			config.Driver = driverType
		}
	}

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.Path = path
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.DatabaseURL = url
	}

	if poolSize := os.Getenv("DATABASE_POOL_SIZE"); poolSize != "" {
		if size, err := parsePositiveInt(poolSize); err == nil {
			config.MaxOpenConns = size
		} else {
			logger.Warn("invalid DATABASE_POOL_SIZE, using default",
				zap.String("value", poolSize), zap.Int("default", config.MaxOpenConns))
		}
	}

	if idleConns := os.Getenv("DATABASE_MAX_IDLE_CONNS"); idleConns != "" {
		if size, err := parsePositiveInt(idleConns); err == nil {
			config.MaxIdleConns = size
		} else {
			logger.Warn("invalid DATABASE_MAX_IDLE_CONNS, using default",
				zap.String("value", idleConns), zap.Int("default", config.MaxIdleConns))
		}
	}

	if lifetime := os.Getenv("DATABASE_CONN_MAX_LIFETIME"); lifetime != "" {
		if duration, err := time.ParseDuration(lifetime); err == nil {
			config.ConnMaxLifetime = duration
		} else {
			logger.Warn("invalid DATABASE_CONN_MAX_LIFETIME, using default",
				zap.String("value", lifetime), zap.Duration("default", config.ConnMaxLifetime))
		}
	}

	if skip := os.Getenv("DATABASE_SKIP_MIGRATIONS"); skip != "" {
		if b, err := strconv.ParseBool(skip); err == nil {
			config.SkipMigrations = b
		}
	}

	return config
}

// parsePositiveInt parses a string as a positive integer.
func parsePositiveInt(s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || i <= 0 {
		return 0, fmt.Errorf("invalid positive integer: %s", s)
	}
	return i, nil
}

// NewFromConfig creates a new database connection based on the configuration.
func NewFromConfig(config Config) (*DB, error) {
	switch config.Driver {
	case DriverSQLite, "":
		return newSQLiteDB(config)
	case DriverPostgres:
		return newPostgresDB(config)
	case DriverMySQL:
		return newMySQLDB(config)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
}

// sqliteDSN builds the connection string. Timestamps are stored and parsed
// in UTC, and write transactions take the database lock at BEGIN so that
// counter read-modify-write cycles serialize instead of failing on upgrade.
func sqliteDSN(path string) string {
	return path + "?_journal=WAL&_foreign_keys=on&_loc=UTC&_txlock=immediate&_busy_timeout=5000"
}

// newSQLiteDB creates a new SQLite database connection.
func newSQLiteDB(config Config) (*DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("DATABASE_PATH is required for SQLite driver")
	}
	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(config.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// In-memory SQLite databases are per-connection; a single connection
	// keeps schema and data visible across queries.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize SQLite schema: %w", err)
	}

	return &DB{db: db, driver: DriverSQLite}, nil
}

// ErrDriverNotCompiled is returned for server drivers left out of the build.
var ErrDriverNotCompiled = errors.New("database driver not compiled in")

func driverNotCompiled(driver DriverType) error {
	return fmt.Errorf("%w: build with -tags %s to enable %s", ErrDriverNotCompiled, driver, driver)
}

// finishServerDB configures the pool of a PostgreSQL or MySQL handle, checks
// connectivity and applies pending migrations unless disabled.
func finishServerDB(db *sql.DB, driver DriverType, config Config) (*DB, error) {
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}

	if !config.SkipMigrations {
		if err := runMigrationsForDriver(db, driver); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", driver, err)
		}
	}
	return &DB{db: db, driver: driver}, nil
}

// runMigrationsForDriver applies the embedded migrations for driver.
func runMigrationsForDriver(db *sql.DB, driver DriverType) error {
	runner, err := migrations.NewMigrationRunner(db, driver.Dialect())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := runner.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
