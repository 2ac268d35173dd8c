// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
//
// Environment variables are the base. A YAML file named by GATE_CONFIG_FILE
// may then override the gate policy, the header chain and the rate limits.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/cache"
	"github.com/sofatutor/ipgate/internal/clientip"
	"github.com/sofatutor/ipgate/internal/database"
	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/middleware"
	"github.com/sofatutor/ipgate/internal/ratelimit"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// ErrMissingManagementToken is returned when the management API would be
// served without credentials.
var ErrMissingManagementToken = errors.New("MANAGEMENT_TOKEN environment variable is required")

// Config holds all application configuration values.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Read/write timeout of the HTTP server
	MaxRequestSize int64         // Maximum size of management request bodies in bytes

	// Environment
	APIEnv string // API environment: 'production', 'development', 'test'

	// Authentication
	ManagementToken      string // Bearer token for the management API
	TrustIdentityHeaders bool   // Honour X-User-* headers on /gate/check
	IdentitySecret       string // Required X-Gate-Secret when identity headers are trusted

	// Logging
	LogLevel      string // Log level (debug, info, warn, error)
	LogFormat     string // Log format (json, console)
	LogFile       string // Path to log file (empty for stdout)
	LogMaxSizeMB  int    // Rotation size of LogFile
	LogMaxBackups int    // Rotated files to keep

	// Access log mirror
	AuditLogFile   string // JSONL copy of every access record (empty to disable)
	AuditCreateDir bool   // Create parent directories for AuditLogFile

	// Gate
	Policy          gate.Policy
	CacheBackend    string        // "memory" or "redis"
	CacheMax        int           // Maximum entries of the memory cache
	StoreTimeout    time.Duration // Timeout of each storage call during evaluation
	TrustedHeaders  []string      // Proxy headers in priority order
	TrustRemoteAddr bool          // Fall back to the connection address
	ReservedRanges  []string      // Extra CIDR blocks treated as non-public

	// Rate limiting
	AddressLimit    ratelimit.Limit
	UserLimit       ratelimit.Limit
	GlobalRateLimit float64 // Requests per second accepted by the HTTP server, 0 disables
	GlobalBurst     int     // Burst of the global limiter

	// Storage
	Database database.Config

	// Redis cache backend
	RedisAddr        string
	RedisDB          int
	RedisPassword    string
	RedisCachePrefix string

	// ConfigFile is the YAML overlay that was applied, if any.
	ConfigFile string
}

// New creates a configuration from environment variables and the optional
// YAML overlay, then validates it. Invalid numeric values fall back to
// their defaults.
func New(logger *zap.Logger) (*Config, error) {
	def := DefaultConfig()
	apiEnv := getEnvString("API_ENV", def.APIEnv)

	config := &Config{
		ListenAddr:     getEnvString("LISTEN_ADDR", def.ListenAddr),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", def.RequestTimeout),
		MaxRequestSize: getEnvInt64("MAX_REQUEST_SIZE", def.MaxRequestSize),

		APIEnv: apiEnv,

		ManagementToken:      getEnvString("MANAGEMENT_TOKEN", ""),
		TrustIdentityHeaders: getEnvBool("GATE_TRUST_IDENTITY_HEADERS", def.TrustIdentityHeaders),
		IdentitySecret:       getEnvString("GATE_IDENTITY_SECRET", ""),

		LogLevel:      getEnvString("LOG_LEVEL", def.LogLevel),
		LogFormat:     getEnvString("LOG_FORMAT", def.LogFormat),
		LogFile:       getEnvString("LOG_FILE", def.LogFile),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", def.LogMaxSizeMB),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", def.LogMaxBackups),

		AuditLogFile:   getEnvString("AUDIT_LOG_FILE", def.AuditLogFile),
		AuditCreateDir: getEnvBool("AUDIT_CREATE_DIR", def.AuditCreateDir),

		Policy: gate.Policy{
			Enabled:     getEnvBool("GATE_ENABLED", def.Policy.Enabled),
			Mode:        gate.Mode(strings.ToLower(getEnvString("GATE_MODE", string(def.Policy.Mode)))),
			AdminBypass: getEnvBool("GATE_ADMIN_BYPASS", def.Policy.AdminBypass),
			DevBypass:   getEnvBool("GATE_DEV_BYPASS", def.Policy.DevBypass),
			LogAll:      getEnvBool("GATE_LOG_ALL", def.Policy.LogAll),
			CacheTTL:    getEnvSeconds("GATE_CACHE_TTL", def.Policy.CacheTTL),
			Production:  isProduction(apiEnv),
		},
		CacheBackend:    strings.ToLower(getEnvString("GATE_CACHE_BACKEND", def.CacheBackend)),
		CacheMax:        getEnvInt("GATE_CACHE_MAX", def.CacheMax),
		StoreTimeout:    getEnvDuration("GATE_STORE_TIMEOUT", def.StoreTimeout),
		TrustedHeaders:  getEnvStringSlice("GATE_TRUSTED_HEADERS", def.TrustedHeaders),
		TrustRemoteAddr: getEnvBool("GATE_TRUST_REMOTE_ADDR", def.TrustRemoteAddr),
		ReservedRanges:  getEnvStringSlice("GATE_RESERVED_RANGES", def.ReservedRanges),

		AddressLimit: ratelimit.Limit{
			MaxAttempts:   getEnvInt("IP_RATE_LIMIT_MAX", def.AddressLimit.MaxAttempts),
			Window:        getEnvDuration("IP_RATE_LIMIT_WINDOW", def.AddressLimit.Window),
			BlockDuration: getEnvDuration("IP_RATE_LIMIT_BLOCK", def.AddressLimit.BlockDuration),
		},
		UserLimit: ratelimit.Limit{
			MaxAttempts:   getEnvInt("USER_RATE_LIMIT_MAX", def.UserLimit.MaxAttempts),
			Window:        getEnvDuration("USER_RATE_LIMIT_WINDOW", def.UserLimit.Window),
			BlockDuration: getEnvDuration("USER_RATE_LIMIT_BLOCK", def.UserLimit.BlockDuration),
		},
		GlobalRateLimit: getEnvFloat("GLOBAL_RATE_LIMIT", def.GlobalRateLimit),
		GlobalBurst:     getEnvInt("GLOBAL_RATE_BURST", def.GlobalBurst),

		Database: database.ConfigFromEnv(logger),

		RedisAddr:        getEnvString("REDIS_ADDR", def.RedisAddr),
		RedisDB:          getEnvInt("REDIS_DB", def.RedisDB),
		RedisPassword:    getEnvString("REDIS_PASSWORD", ""),
		RedisCachePrefix: getEnvString("REDIS_CACHE_PREFIX", def.RedisCachePrefix),
	}

	if path := getEnvString("GATE_CONFIG_FILE", ""); path != "" {
		if err := config.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		RequestTimeout: 30 * time.Second,
		MaxRequestSize: 1024 * 1024,

		APIEnv: "development",

		LogLevel:      "info",
		LogFormat:     "json",
		LogMaxSizeMB:  10,
		LogMaxBackups: 5,

		AuditCreateDir: true,

		Policy:         gate.DefaultPolicy(),
		CacheBackend:   CacheBackendMemory,
		CacheMax:       cache.DefaultMaxEntries,
		StoreTimeout:   ratelimit.DefaultStoreTimeout,
		TrustedHeaders: append([]string(nil), clientip.DefaultHeaders...),

		AddressLimit: ratelimit.DefaultAddressLimit(),
		UserLimit:    ratelimit.DefaultUserLimit(),
		GlobalBurst:  50,

		Database: database.DefaultConfig(),

		RedisAddr:        "localhost:6379",
		RedisCachePrefix: cache.DefaultRedisPrefix,
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("GATE_MODE/GATE_CACHE_TTL: %w", err)
	}
	if err := c.AddressLimit.Validate(); err != nil {
		return fmt.Errorf("IP_RATE_LIMIT_*: %w", err)
	}
	if err := c.UserLimit.Validate(); err != nil {
		return fmt.Errorf("USER_RATE_LIMIT_*: %w", err)
	}
	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendRedis:
	default:
		return fmt.Errorf("unsupported GATE_CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.CacheMax <= 0 {
		return fmt.Errorf("GATE_CACHE_MAX must be positive, got %d", c.CacheMax)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("GATE_STORE_TIMEOUT must be positive, got %s", c.StoreTimeout)
	}
	if c.GlobalRateLimit < 0 {
		return fmt.Errorf("GLOBAL_RATE_LIMIT must not be negative, got %v", c.GlobalRateLimit)
	}
	return nil
}

// RequireManagementToken fails when no management token is configured.
func (c *Config) RequireManagementToken() error {
	if c.ManagementToken == "" {
		return ErrMissingManagementToken
	}
	return nil
}

// IdentityFunc returns how /gate/check resolves the caller. Identity headers
// are ignored unless TrustIdentityHeaders is set.
func (c *Config) IdentityFunc() middleware.IdentityFunc {
	if !c.TrustIdentityHeaders {
		return middleware.AnonymousIdentity
	}
	return middleware.SecretHeaderIdentity(c.IdentitySecret)
}

// IsProduction reports whether APIEnv names a production deployment.
func (c *Config) IsProduction() bool {
	return isProduction(c.APIEnv)
}

// LimiterConfig returns the rate limiter settings.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{Address: c.AddressLimit, User: c.UserLimit, StoreTimeout: c.StoreTimeout}
}

// ClassifierConfig returns the address classifier settings.
func (c *Config) ClassifierConfig() clientip.Config {
	return clientip.Config{Headers: c.TrustedHeaders, TrustRemoteAddr: c.TrustRemoteAddr, ExtraReserved: c.ReservedRanges}
}

func isProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return true
	}
	return false
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvSeconds accepts a duration ("5m") or a plain number of seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(n) * time.Second
	}
	return getEnvDuration(key, defaultValue)
}

// getEnvStringSlice retrieves a comma-separated string value from an environment variable
// and splits it into a slice of strings, falling back to the provided default value
// if the variable is not set or is empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
