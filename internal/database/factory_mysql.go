//go:build mysql

package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// newMySQLDB forces parseTime and a UTC location so DATETIME columns scan
// into UTC time.Time values whatever the DSN says.
func newMySQLDB(config Config) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for MySQL driver")
	}
	cfg, err := mysql.ParseDSN(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DATABASE_URL: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	return finishServerDB(sql.OpenDB(connector), DriverMySQL, config)
}
