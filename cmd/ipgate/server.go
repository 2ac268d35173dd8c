package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/sofatutor/ipgate/internal/config"
	"github.com/sofatutor/ipgate/internal/logging"
	"github.com/sofatutor/ipgate/internal/server"
)

// Server command flags
var (
	serverListenAddr   string
	serverDatabasePath string
	serverLogLevel     string
	serverLogFile      string
	serverConfigPath   string
	debugMode          bool
	shutdownTimeout    time.Duration
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the gate server",
		Long:  `Start the HTTP server with the forward-auth check endpoint and the management API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, nil)
		},
	}
	cmd.Flags().StringVar(&serverListenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR)")
	cmd.Flags().StringVar(&serverDatabasePath, "db", "", "Path to SQLite database (overrides DATABASE_PATH)")
	cmd.Flags().StringVar(&serverLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&serverLogFile, "log-file", "", "Path to log file (overrides LOG_FILE, default: stdout)")
	cmd.Flags().StringVarP(&serverConfigPath, "config", "c", "", "Path to YAML gate config (overrides GATE_CONFIG_FILE)")
	cmd.Flags().BoolVarP(&debugMode, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides log-level)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", config.EnvDurationOrDefault("SHUTDOWN_TIMEOUT", 30*time.Second), "Grace period for open connections on shutdown")
	return cmd
}

// applyServerFlags exports flag overrides so config.New sees them.
func applyServerFlags() error {
	overrides := map[string]string{
		"LISTEN_ADDR":      serverListenAddr,
		"DATABASE_PATH":    serverDatabasePath,
		"LOG_LEVEL":        serverLogLevel,
		"LOG_FILE":         serverLogFile,
		"GATE_CONFIG_FILE": serverConfigPath,
	}
	if debugMode {
		overrides["LOG_LEVEL"] = "debug"
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// runServer serves until ctx is canceled. When ready is not nil it
// receives the bound address once the listener is open.
func runServer(ctx context.Context, ready chan<- string) error {
	if err := applyServerFlags(); err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithOptions(logging.Options{
		Level:      config.EnvOrDefault("LOG_LEVEL", "info"),
		Format:     config.EnvOrDefault("LOG_FORMAT", "json"),
		FilePath:   os.Getenv("LOG_FILE"),
		MaxSizeMB:  config.EnvIntOrDefault("LOG_MAX_SIZE_MB", 10),
		MaxBackups: config.EnvIntOrDefault("LOG_MAX_BACKUPS", 5),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			log.Printf("Error syncing zap logger: %v", err)
		}
	}()

	cfg, err := config.New(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.RequireManagementToken(); err != nil {
		return err
	}
	if cfg.ConfigFile != "" {
		logger.Info("gate config file applied", zap.String("path", cfg.ConfigFile))
	}

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg, comps.gate,
		server.WithLogger(logger),
		server.WithHealthChecker(comps.db),
		server.WithStats(comps.db),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	// fail fast if the configured address is already in use
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen address %s unavailable: %w", cfg.ListenAddr, err)
	}

	p := cfg.Policy
	logger.Info("gate policy",
		zap.Bool("enabled", p.Enabled),
		zap.String("mode", string(p.Mode)),
		zap.Bool("admin_bypass", p.AdminBypass),
		zap.Bool("dev_bypass", p.DevBypass && !p.Production),
		zap.Duration("cache_ttl", p.CacheTTL),
		zap.String("cache_backend", cfg.CacheBackend),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	if ready != nil {
		ready <- ln.Addr().String()
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("Press Ctrl+C to stop")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited gracefully")
	return nil
}
