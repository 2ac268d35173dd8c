package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sofatutor/ipgate/internal/database"
	"github.com/sofatutor/ipgate/internal/database/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long: `Apply, roll back and inspect schema migrations of a PostgreSQL or MySQL
database. SQLite databases create their schema on open.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationRunner(cmd, func(r *migrations.MigrationRunner, out io.Writer) error {
					if err := r.Up(cmd.Context()); err != nil {
						return fmt.Errorf("failed to apply migrations: %w", err)
					}
					_, err := fmt.Fprintln(out, "Migrations applied successfully")
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationRunner(cmd, func(r *migrations.MigrationRunner, out io.Writer) error {
					if err := r.Down(cmd.Context()); err != nil {
						return fmt.Errorf("failed to rollback migration: %w", err)
					}
					_, err := fmt.Fprintln(out, "Migration rolled back successfully")
					return err
				})
			},
		},
		&cobra.Command{
			Use:     "status",
			Aliases: []string{"version"},
			Short:   "Show current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationRunner(cmd, func(r *migrations.MigrationRunner, out io.Writer) error {
					version, err := r.Status(cmd.Context())
					if err != nil {
						return fmt.Errorf("failed to get migration status: %w", err)
					}
					_, err = fmt.Fprintf(out, "Current migration version: %d\n", version)
					return err
				})
			},
		},
	)
	return cmd
}

// withMigrationRunner opens the configured database without migrating it
// and hands a runner to fn.
func withMigrationRunner(cmd *cobra.Command, fn func(*migrations.MigrationRunner, io.Writer) error) error {
	out := cmd.OutOrStdout()
	dbConfig := database.ConfigFromEnv(nil)
	if dbConfig.Driver == database.DriverSQLite || dbConfig.Driver == "" {
		_, err := fmt.Fprintln(out, "SQLite schema is created automatically when the database is opened; nothing to migrate.")
		return err
	}
	dbConfig.SkipMigrations = true

	db, err := newDatabaseFromConfig(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: Failed to close database connection: %v\n", closeErr)
		}
	}()

	runner, err := migrations.NewMigrationRunner(db.DB(), dbConfig.Driver.Dialect())
	if err != nil {
		return err
	}
	return fn(runner, out)
}
