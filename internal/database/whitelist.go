package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sofatutor/ipgate/internal/whitelist"
)

const whitelistColumns = "id, address, description, user_id, is_active, expires_at, created_by, created_at"

// EffectiveWhitelistEntries returns the active, unexpired entries of userID
// followed by the global ones.
func (d *DB) EffectiveWhitelistEntries(ctx context.Context, userID string, now time.Time) ([]whitelist.Entry, error) {
	query := `
	SELECT ` + whitelistColumns + `
	FROM ip_whitelist
	WHERE is_active = ?
	  AND (expires_at IS NULL OR expires_at > ?)
	  AND (user_id = '' OR user_id = ?)
	ORDER BY CASE WHEN user_id = '' THEN 1 ELSE 0 END, created_at, id
	`
	rows, err := d.query(ctx, d.db, query, true, utc(now), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist: %w", err)
	}
	return scanWhitelistEntries(rows)
}

// InsertWhitelistEntry stores a new entry.
func (d *DB) InsertWhitelistEntry(ctx context.Context, e whitelist.Entry) error {
	return d.Transaction(ctx, func(tx *sql.Tx) error {
		var n int
		err := d.queryRow(ctx, tx, `SELECT COUNT(*) FROM ip_whitelist WHERE address = ? AND user_id = ?`, e.Address, e.UserID).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check whitelist entry: %w", err)
		}
		if n > 0 {
			return whitelist.ErrEntryExists
		}

		query := `
		INSERT INTO ip_whitelist (` + whitelistColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = d.exec(ctx, tx, query,
			e.ID,
			e.Address,
			e.Description,
			e.UserID,
			e.Active,
			utcPtr(e.ExpiresAt),
			e.CreatedBy,
			utc(e.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return whitelist.ErrEntryExists
			}
			return fmt.Errorf("failed to create whitelist entry: %w", err)
		}
		return nil
	})
}

// DeleteWhitelistEntry removes an entry.
func (d *DB) DeleteWhitelistEntry(ctx context.Context, id string) error {
	result, err := d.exec(ctx, d.db, `DELETE FROM ip_whitelist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete whitelist entry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return whitelist.ErrEntryNotFound
	}
	return nil
}

// SetWhitelistEntryActive toggles an entry.
func (d *DB) SetWhitelistEntryActive(ctx context.Context, id string, active bool) error {
	result, err := d.exec(ctx, d.db, `UPDATE ip_whitelist SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update whitelist entry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	// MySQL reports unchanged rows as unaffected.
	if _, err := d.GetWhitelistEntry(ctx, id); err != nil {
		return err
	}
	return nil
}

// GetWhitelistEntry retrieves an entry by id.
func (d *DB) GetWhitelistEntry(ctx context.Context, id string) (whitelist.Entry, error) {
	query := `SELECT ` + whitelistColumns + ` FROM ip_whitelist WHERE id = ?`
	e, err := scanWhitelistEntry(d.queryRow(ctx, d.db, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return whitelist.Entry{}, whitelist.ErrEntryNotFound
		}
		return whitelist.Entry{}, fmt.Errorf("failed to get whitelist entry: %w", err)
	}
	return e, nil
}

// ListWhitelistEntries lists entries matching f, newest first.
func (d *DB) ListWhitelistEntries(ctx context.Context, f whitelist.Filter, now time.Time) ([]whitelist.Entry, error) {
	query := `SELECT ` + whitelistColumns + ` FROM ip_whitelist WHERE 1=1`
	args := []any{}

	switch f.Scope {
	case whitelist.ScopeGlobal:
		query += " AND user_id = ''"
	case whitelist.ScopeUser:
		query += " AND user_id <> ''"
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.ActiveOnly {
		query += " AND is_active = ? AND (expires_at IS NULL OR expires_at > ?)"
		args = append(args, true, utc(now))
	}

	query += " ORDER BY created_at DESC, id"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list whitelist entries: %w", err)
	}
	return scanWhitelistEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWhitelistEntry(row rowScanner) (whitelist.Entry, error) {
	var e whitelist.Entry
	var expiresAt sql.NullTime
	err := row.Scan(
		&e.ID,
		&e.Address,
		&e.Description,
		&e.UserID,
		&e.Active,
		&expiresAt,
		&e.CreatedBy,
		&e.CreatedAt,
	)
	if err != nil {
		return whitelist.Entry{}, err
	}
	e.ExpiresAt = timePtr(expiresAt)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func scanWhitelistEntries(rows *sql.Rows) ([]whitelist.Entry, error) {
	defer func() { _ = rows.Close() }()

	entries := []whitelist.Entry{}
	for rows.Next() {
		e, err := scanWhitelistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating whitelist entries: %w", err)
	}
	return entries, nil
}
