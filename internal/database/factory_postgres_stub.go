//go:build !postgres

package database

func newPostgresDB(Config) (*DB, error) { return nil, driverNotCompiled(DriverPostgres) }
