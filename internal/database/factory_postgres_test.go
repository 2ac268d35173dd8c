//go:build postgres

package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresDB_ConfigErrors(t *testing.T) {
	_, err := NewFromConfig(Config{Driver: DriverPostgres})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")

	// unreachable server fails on ping
	db, err := NewFromConfig(Config{Driver: DriverPostgres, DatabaseURL: "postgres://gate@127.0.0.1:1/ipgate?connect_timeout=1"})
	assert.Error(t, err)
	assert.Nil(t, db)
}
