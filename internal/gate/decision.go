package gate

import (
	"github.com/sofatutor/ipgate/internal/whitelist"
)

// Source names the stage that produced a decision.
type Source string

const (
	SourceDisabled         Source = "disabled"
	SourceDevBypass        Source = "dev_bypass"
	SourceExtractionFailed Source = "extraction_failed"
	SourceRateLimited      Source = "rate_limited"
	SourceAdminBypass      Source = "admin_bypass"
	SourceCache            Source = "cache"
	SourceDatabase         Source = "database"
)

// Reason codes. They never carry internal error text.
const (
	ReasonDisabled            = "disabled"
	ReasonDevBypass           = "dev_bypass"
	ReasonNoPublicIP          = "no_public_ip_found"
	ReasonAdminBypass         = "admin_bypass"
	ReasonCachedAllow         = "cached_allow"
	ReasonCachedDeny          = "cached_deny"
	ReasonWhitelisted         = "whitelisted"
	ReasonNotWhitelisted      = "not_whitelisted"
	ReasonWhitelistStoreError = "whitelist_store_error"
)

// Identity is the caller as resolved by upstream authentication.
type Identity struct {
	UserID  string
	Email   string
	IsAdmin bool
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed      bool             `json:"allowed"`
	Address      string           `json:"address,omitempty"`
	Source       Source           `json:"source"`
	Reason       string           `json:"reason"`
	MatchedEntry *whitelist.Entry `json:"matched_entry,omitempty"`
	// Degraded is set when the rate limiter could not be consulted.
	// DegradedReason then names the failure, e.g. ratelimit_store_error.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}
