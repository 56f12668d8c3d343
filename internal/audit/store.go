// Package audit provides PostgreSQL-backed storage for the ban audit log.
// A ban cascade destroys the target identity and its messages, so the audit
// row is the only durable record of who was banned, by whom, and what was
// removed.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Store manages ban audit entries in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Entry represents a single ban cascade to be persisted.
type Entry struct {
	ID                int64
	TargetID          string
	TargetNickname    string
	TargetIP          string
	TargetFingerprint string
	AdminID           string
	AdminNickname     string
	MessagesRemoved   int
	CreatedAt         time.Time
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordBan persists one completed ban cascade. It is called from the hub on
// its own goroutine, so it owns its deadline and swallows errors after
// logging them; a failed audit write never unwinds a ban.
func (s *Store) RecordBan(targetID, targetNickname, targetIP, targetFingerprint, adminID, adminNickname string, messagesRemoved int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Record(ctx, &Entry{
		TargetID:          targetID,
		TargetNickname:    targetNickname,
		TargetIP:          targetIP,
		TargetFingerprint: targetFingerprint,
		AdminID:           adminID,
		AdminNickname:     adminNickname,
		MessagesRemoved:   messagesRemoved,
	})
	if err != nil {
		log.Printf("audit: record ban target=%s: %v", targetNickname, err)
	}
}

// Record inserts a ban audit entry.
func (s *Store) Record(ctx context.Context, entry *Entry) error {
	const query = `
		INSERT INTO ban_audit (target_id, target_nickname, target_ip, target_fingerprint, admin_id, admin_nickname, messages_removed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		entry.TargetID,
		entry.TargetNickname,
		entry.TargetIP,
		entry.TargetFingerprint,
		entry.AdminID,
		entry.AdminNickname,
		entry.MessagesRemoved,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// ListRecent returns the most recent audit entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
		SELECT id, target_id, target_nickname, target_ip, target_fingerprint, admin_id, admin_nickname, messages_removed, created_at
		FROM ban_audit
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID,
			&e.TargetID,
			&e.TargetNickname,
			&e.TargetIP,
			&e.TargetFingerprint,
			&e.AdminID,
			&e.AdminNickname,
			&e.MessagesRemoved,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate rows: %w", err)
	}
	return entries, nil
}

// CountSince returns the number of bans recorded within the given window.
func (s *Store) CountSince(ctx context.Context, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM ban_audit
		WHERE created_at >= NOW() - ($1 * INTERVAL '1 second')`

	var count int
	err := s.db.QueryRowContext(ctx, query, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count since: %w", err)
	}
	return count, nil
}
