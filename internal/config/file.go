package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sofatutor/ipgate/internal/gate"
)

// fileConfig is the YAML overlay. Only keys present in the file override
// the environment.
//
//	gate:
//	  enabled: true
//	  mode: permissive
//	  cache_ttl: 2m
//	  trusted_headers: [CF-Connecting-IP, X-Forwarded-For]
//	rate_limits:
//	  ip: {max_attempts: 3, window: 10m, block_duration: 30m}
type fileConfig struct {
	Gate struct {
		Enabled         *bool          `yaml:"enabled"`
		Mode            *string        `yaml:"mode"`
		AdminBypass     *bool          `yaml:"admin_bypass"`
		DevBypass       *bool          `yaml:"dev_bypass"`
		LogAll          *bool          `yaml:"log_all"`
		CacheTTL        *time.Duration `yaml:"cache_ttl"`
		CacheBackend    *string        `yaml:"cache_backend"`
		TrustedHeaders  []string       `yaml:"trusted_headers"`
		TrustRemoteAddr *bool          `yaml:"trust_remote_addr"`
		ReservedRanges  []string       `yaml:"reserved_ranges"`
		TrustIdentity   *bool          `yaml:"trust_identity_headers"`
	} `yaml:"gate"`
	RateLimits struct {
		IP   *limitFile `yaml:"ip"`
		User *limitFile `yaml:"user"`
	} `yaml:"rate_limits"`
}

type limitFile struct {
	MaxAttempts   *int           `yaml:"max_attempts"`
	Window        *time.Duration `yaml:"window"`
	BlockDuration *time.Duration `yaml:"block_duration"`
}

// ApplyFile overlays the YAML file at path onto c. Unknown keys are
// rejected. The result is not validated.
func (c *Config) ApplyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := c.ApplyYAML(f); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// ApplyYAML overlays a YAML document read from r onto c.
func (c *Config) ApplyYAML(r io.Reader) error {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse yaml: %w", err)
	}

	g := fc.Gate
	setBool(&c.Policy.Enabled, g.Enabled)
	if g.Mode != nil {
		c.Policy.Mode = gate.Mode(*g.Mode)
	}
	setBool(&c.Policy.AdminBypass, g.AdminBypass)
	setBool(&c.Policy.DevBypass, g.DevBypass)
	setBool(&c.Policy.LogAll, g.LogAll)
	setBool(&c.TrustIdentityHeaders, g.TrustIdentity)
	if g.CacheTTL != nil {
		c.Policy.CacheTTL = *g.CacheTTL
	}
	if g.CacheBackend != nil {
		c.CacheBackend = *g.CacheBackend
	}
	if g.TrustedHeaders != nil {
		c.TrustedHeaders = g.TrustedHeaders
	}
	setBool(&c.TrustRemoteAddr, g.TrustRemoteAddr)
	if g.ReservedRanges != nil {
		c.ReservedRanges = g.ReservedRanges
	}

	fc.RateLimits.IP.apply(&c.AddressLimit.MaxAttempts, &c.AddressLimit.Window, &c.AddressLimit.BlockDuration)
	fc.RateLimits.User.apply(&c.UserLimit.MaxAttempts, &c.UserLimit.Window, &c.UserLimit.BlockDuration)
	return nil
}

func (l *limitFile) apply(max *int, window, block *time.Duration) {
	if l == nil {
		return
	}
	if l.MaxAttempts != nil {
		*max = *l.MaxAttempts
	}
	if l.Window != nil {
		*window = *l.Window
	}
	if l.BlockDuration != nil {
		*block = *l.BlockDuration
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
