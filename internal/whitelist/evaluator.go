package whitelist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sofatutor/ipgate/internal/cidr"
)

// DefaultStoreTimeout bounds each store query.
const DefaultStoreTimeout = 2 * time.Second

// Evaluator decides whether an address is allow-listed.
type Evaluator struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewEvaluator creates an Evaluator reading from store.
func NewEvaluator(store Store, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Evaluator{store: store, timeout: timeout, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Match returns the first effective entry whose address contains addr, or
// nil when there is none. User-scoped entries are tried before global ones,
// so a user's own rule is reported when both match. Any store failure is
// returned wrapped in ErrStore.
func (e *Evaluator) Match(ctx context.Context, addr netip.Addr, userID string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	now := e.now().UTC()
	entries, err := e.store.EffectiveWhitelistEntries(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	for i := range entries {
		ent := entries[i]
		// stores filter already; re-check so a lax store cannot widen access
		if !ent.Effective(now) {
			continue
		}
		if ent.UserID != "" && ent.UserID != userID {
			continue
		}
		if cidr.Contains(addr, ent.Address) {
			return &ent, nil
		}
	}
	return nil, nil
}

// IsStoreError reports whether err came from the backing store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStore)
}
