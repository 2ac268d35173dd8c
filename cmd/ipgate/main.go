package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sofatutor/ipgate/internal/config"
)

// Global flags
var (
	envFile          string
	manageAPIBaseURL string
	managementToken  string
)

// For testing
var osExit = os.Exit

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ipgate",
		Short: "IP based access gate",
		Long: `ipgate decides whether a request may reach a protected application based on
the client address, per-address and per-user failure limits and an allow-list.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env", config.EnvOrDefault("ENV_FILE", ".env"), "Path to .env file")
	root.PersistentFlags().StringVar(&manageAPIBaseURL, "manage-api-base-url", config.EnvOrDefault("MANAGE_API_BASE_URL", "http://localhost:8080"), "Base URL for management API")
	root.PersistentFlags().StringVar(&managementToken, "management-token", "", "Management token (overrides MANAGEMENT_TOKEN)")

	root.AddCommand(newServerCmd(), newWhitelistCmd(), newFailureCmd(), newCounterCmd(), newAccessLogCmd(), newCheckCmd(), newMigrateCmd())
	return root
}

// loadEnvFile loads path when it exists. Variables already set in the
// environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Printf("Error: %v", err)
		osExit(1)
	}
}
