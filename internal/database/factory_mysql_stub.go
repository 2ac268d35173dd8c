//go:build !mysql

package database

func newMySQLDB(Config) (*DB, error) { return nil, driverNotCompiled(DriverMySQL) }
