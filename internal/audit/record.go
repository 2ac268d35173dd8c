// Package audit records access decisions.
//
// Records are append-only. They go to the durable access log and,
// optionally, to a JSONL file and the process logger.
package audit

import (
	"context"
	"time"
)

// Record is one access log entry.
type Record struct {
	ID           string    `json:"id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id,omitempty"`
	Email        string    `json:"email,omitempty"`
	Address      string    `json:"address"`
	Granted      bool      `json:"granted"`
	DenialReason string    `json:"denial_reason,omitempty"`
	Source       string    `json:"source,omitempty"`
	MatchedEntry string    `json:"matched_entry,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"` // rate limiter was unavailable
	UserAgent    string    `json:"user_agent,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
}

// Filter narrows access log queries. Zero values match everything.
type Filter struct {
	Address string
	UserID  string
	Granted *bool
	Since   *time.Time
	Limit   int
	Offset  int
}

// DefaultListLimit caps listings without an explicit limit.
const DefaultListLimit = 100

// Store persists records.
type Store interface {
	AppendAccessLog(ctx context.Context, r Record) error
	// ListAccessLog returns records matching f, newest first.
	ListAccessLog(ctx context.Context, f Filter) ([]Record, error)
}
