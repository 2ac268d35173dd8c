package gate

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how whitelist storage failures are resolved.
type Mode string

const (
	// ModeStrict denies when the whitelist cannot be read.
	ModeStrict Mode = "strict"
	// ModePermissive allows when the whitelist cannot be read.
	ModePermissive Mode = "permissive"
)

// ParseMode accepts "strict" or "permissive", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModePermissive:
		return ModePermissive, nil
	default:
		return "", fmt.Errorf("unknown gate mode %q", s)
	}
}

// DefaultCacheTTL is how long a decision stays cached.
const DefaultCacheTTL = 5 * time.Minute

// Policy is the process-wide gate configuration. It is treated as an
// immutable value; replace it with Gate.UpdatePolicy.
type Policy struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Mode        Mode          `json:"mode" yaml:"mode"`
	AdminBypass bool          `json:"admin_bypass" yaml:"admin_bypass"`
	DevBypass   bool          `json:"dev_bypass" yaml:"dev_bypass"`
	LogAll      bool          `json:"log_all" yaml:"log_all"` // record allows, not only denials
	CacheTTL    time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// Production disables DevBypass regardless of its value.
	Production bool `json:"production" yaml:"production"`
}

// DefaultPolicy returns an enabled, strict policy with admin bypass.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		Mode:        ModeStrict,
		AdminBypass: true,
		CacheTTL:    DefaultCacheTTL,
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative, got %s", p.CacheTTL)
	}
	return nil
}

// normalized returns p with a canonical mode. p must be valid.
func (p Policy) normalized() Policy {
	p.Mode, _ = ParseMode(string(p.Mode))
	return p
}

// devBypassActive reports whether the development bypass applies.
func (p Policy) devBypassActive() bool {
	return p.DevBypass && !p.Production
}
