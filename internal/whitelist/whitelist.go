// Package whitelist evaluates and administers the address allow-list.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStore wraps failures of the entry store.
	ErrStore = errors.New("whitelist store error")
	// ErrEntryExists is returned when an address is already listed for the same scope.
	ErrEntryExists = errors.New("whitelist entry already exists")
	// ErrEntryNotFound is returned for unknown entry ids.
	ErrEntryNotFound = errors.New("whitelist entry not found")
)

// ValidationError reports malformed administrative input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Scope tells whether an entry applies to everyone or to one user.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

// Entry is one allow-list rule.
type Entry struct {
	ID          string     `json:"id"`
	Address     string     `json:"address"`
	Description string     `json:"description"`
	UserID      string     `json:"user_id,omitempty"` // empty for global entries
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Scope returns ScopeUser for entries owned by a user.
func (e Entry) Scope() Scope {
	if e.UserID != "" {
		return ScopeUser
	}
	return ScopeGlobal
}

// Effective reports whether the entry is active and not expired at now.
func (e Entry) Effective(now time.Time) bool {
	return e.Active && (e.ExpiresAt == nil || e.ExpiresAt.After(now))
}

// Filter narrows entry listings. Zero values match everything.
type Filter struct {
	Scope  Scope
	UserID string
	// ActiveOnly limits the result to effective entries.
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Store persists entries.
type Store interface {
	// EffectiveWhitelistEntries returns the effective entries that apply to
	// userID: that user's entries first, then global ones. An empty userID
	// selects global entries only.
	EffectiveWhitelistEntries(ctx context.Context, userID string, now time.Time) ([]Entry, error)
	// InsertWhitelistEntry stores a new entry or returns ErrEntryExists.
	InsertWhitelistEntry(ctx context.Context, e Entry) error
	// DeleteWhitelistEntry removes an entry or returns ErrEntryNotFound.
	DeleteWhitelistEntry(ctx context.Context, id string) error
	// SetWhitelistEntryActive toggles an entry or returns ErrEntryNotFound.
	SetWhitelistEntryActive(ctx context.Context, id string, active bool) error
	// GetWhitelistEntry returns one entry or ErrEntryNotFound.
	GetWhitelistEntry(ctx context.Context, id string) (Entry, error)
	// ListWhitelistEntries returns entries matching the filter, newest first.
	ListWhitelistEntries(ctx context.Context, f Filter, now time.Time) ([]Entry, error)
}
