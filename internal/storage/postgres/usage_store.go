package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/store"
)

// UsageStore implements store.UsageRepository over credential_usage. It also
// satisfies credential.UsageRecorder so the pool can write through it.
type UsageStore struct {
	db DB
}

var (
	_ store.UsageRepository    = (*UsageStore)(nil)
	_ credential.UsageRecorder = (*UsageStore)(nil)
)

// NewUsageStore wraps an open pool.
func NewUsageStore(db DB) (*UsageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &UsageStore{db: db}, nil
}

// RecordUsage appends one usage entry.
func (s *UsageStore) RecordUsage(ctx context.Context, credentialID string, entry credential.UsageEntry) error {
	query := `
		INSERT INTO credential_usage (credential_id, at, kind, outcome, message)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.db.Exec(ctx, query, credentialID, entry.At, string(entry.Kind), string(entry.Outcome), entry.Message)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ListUsage returns the newest entries for a credential first.
func (s *UsageStore) ListUsage(ctx context.Context, credentialID string, limit int) ([]credential.UsageEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT at, kind, outcome, message
		FROM credential_usage
		WHERE credential_id = $1
		ORDER BY at DESC, id DESC
		LIMIT $2;
	`
	rows, err := s.db.Query(ctx, query, credentialID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var entries []credential.UsageEntry
	for rows.Next() {
		var (
			entry         credential.UsageEntry
			kind, outcome string
		)
		if err := rows.Scan(&entry.At, &kind, &outcome, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		entry.Kind = enrich.Kind(kind)
		entry.Outcome = credential.Outcome(outcome)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage: %w", err)
	}
	return entries, nil
}
