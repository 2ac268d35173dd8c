package whitelist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/cidr"
)

const maxDescriptionLen = 255

// Invalidator drops cached decisions. cache.Cache satisfies it.
type Invalidator interface {
	Clear(ctx context.Context)
}

// AddRequest describes a new entry. An empty UserID creates a global entry.
type AddRequest struct {
	Address     string     `json:"address"`
	Description string     `json:"description"`
	UserID      string     `json:"user_id,omitempty"`
	CreatedBy   string     `json:"created_by"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Admin mutates the allow-list. Every successful mutation clears the whole
// decision cache so new rules take effect for all callers at once.
type Admin struct {
	store   Store
	cache   Invalidator
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// NewAdmin creates an Admin. cache may be nil.
func NewAdmin(store Store, cache Invalidator, logger *zap.Logger, timeout time.Duration) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Admin{
		store:   store,
		cache:   cache,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithClock replaces the time source. Intended for tests.
func (a *Admin) WithClock(now func() time.Time) *Admin {
	a.now = now
	return a
}

// Validate checks and normalizes an add request without writing anything.
func (a *Admin) Validate(req AddRequest) (AddRequest, error) {
	normalized, err := cidr.Normalize(req.Address)
	if err != nil {
		return req, &ValidationError{Field: "address", Message: err.Error()}
	}
	req.Address = normalized
	req.Description = strings.TrimSpace(req.Description)
	if len(req.Description) > maxDescriptionLen {
		return req, &ValidationError{Field: "description", Message: fmt.Sprintf("longer than %d characters", maxDescriptionLen)}
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.CreatedBy = strings.TrimSpace(req.CreatedBy)
	if req.CreatedBy == "" {
		return req, &ValidationError{Field: "created_by", Message: "required"}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(a.now()) {
		return req, &ValidationError{Field: "expires_at", Message: "must be in the future"}
	}
	return req, nil
}

// Add validates and stores a new entry.
func (a *Admin) Add(ctx context.Context, req AddRequest) (Entry, error) {
	req, err := a.Validate(req)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ID:          a.newID(),
		Address:     req.Address,
		Description: req.Description,
		UserID:      req.UserID,
		Active:      true,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   a.now().UTC(),
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		entry.ExpiresAt = &exp
	}

	if err := a.run(ctx, func(ctx context.Context) error {
		return a.store.InsertWhitelistEntry(ctx, entry)
	}); err != nil {
		return Entry{}, err
	}
	a.invalidate(ctx)

	a.logger.Info("whitelist entry added",
		zap.String("id", entry.ID),
		zap.String("address", entry.Address),
		zap.String("scope", string(entry.Scope())),
		zap.String("user_id", entry.UserID),
		zap.String("created_by", entry.CreatedBy),
	)
	return entry, nil
}

// Remove deletes an entry permanently. The cache is cleared even when the
// entry is already gone, so a retried call leaves no stale decisions.
func (a *Admin) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	err := a.run(ctx, func(ctx context.Context) error {
		return a.store.DeleteWhitelistEntry(ctx, id)
	})
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return err
	}
	a.invalidate(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("whitelist entry removed", zap.String("id", id))
	return nil
}

// Deactivate keeps the entry but stops it from matching.
func (a *Admin) Deactivate(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if err := a.run(ctx, func(ctx context.Context) error {
		return a.store.SetWhitelistEntryActive(ctx, id, false)
	}); err != nil {
		return err
	}
	a.invalidate(ctx)
	a.logger.Info("whitelist entry deactivated", zap.String("id", id))
	return nil
}

// Get returns one entry.
func (a *Admin) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := a.run(ctx, func(ctx context.Context) error {
		var err error
		e, err = a.store.GetWhitelistEntry(ctx, id)
		return err
	})
	return e, err
}

// List returns entries matching f.
func (a *Admin) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Scope != "" && f.Scope != ScopeGlobal && f.Scope != ScopeUser {
		return nil, &ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", f.Scope)}
	}
	var out []Entry
	err := a.run(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.store.ListWhitelistEntries(ctx, f, a.now().UTC())
		return err
	})
	return out, err
}

// run calls fn with the store timeout and maps unexpected errors to ErrStore.
func (a *Admin) run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEntryExists), errors.Is(err, ErrEntryNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
}

func (a *Admin) invalidate(ctx context.Context) {
	if a.cache != nil {
		a.cache.Clear(ctx)
	}
}
