package database

import (
	"context"
	"fmt"

	"github.com/sofatutor/ipgate/internal/audit"
)

// AppendAccessLog stores one access record.
func (d *DB) AppendAccessLog(ctx context.Context, r audit.Record) error {
	if r.ID == "" {
		return fmt.Errorf("access log record id is required")
	}
	query := `
	INSERT INTO ip_access_log (id, created_at, user_id, email, ip_address, granted, denial_reason, source, matched_entry, degraded, user_agent, request_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.exec(ctx, d.db, query,
		r.ID,
		utc(r.Timestamp),
		r.UserID,
		r.Email,
		r.Address,
		r.Granted,
		r.DenialReason,
		r.Source,
		r.MatchedEntry,
		r.Degraded,
		truncate(r.UserAgent, 512),
		r.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to append access log: %w", err)
	}
	return nil
}

// ListAccessLog returns records matching f, newest first.
func (d *DB) ListAccessLog(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	query := `SELECT id, created_at, user_id, email, ip_address, granted, denial_reason, source, matched_entry, degraded, user_agent, request_id FROM ip_access_log WHERE 1=1`
	args := []any{}

	if f.Address != "" {
		query += " AND ip_address = ?"
		args = append(args, f.Address)
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Granted != nil {
		query += " AND granted = ?"
		args = append(args, *f.Granted)
	}
	if f.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, utc(*f.Since))
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	limit := f.Limit
	if limit <= 0 {
		limit = audit.DefaultListLimit
	}
	args = append(args, limit)
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query access log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []audit.Record{}
	for rows.Next() {
		var r audit.Record
		err := rows.Scan(
			&r.ID,
			&r.Timestamp,
			&r.UserID,
			&r.Email,
			&r.Address,
			&r.Granted,
			&r.DenialReason,
			&r.Source,
			&r.MatchedEntry,
			&r.Degraded,
			&r.UserAgent,
			&r.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access log record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access log: %w", err)
	}
	return records, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
