package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/procurement-enricher/internal/store"
)

// EventStore implements store.EventRepository over the operation_runs and
// operation_events tables.
type EventStore struct {
	db DB
}

var _ store.EventRepository = (*EventStore)(nil)

// NewEventStore wraps an open pool.
func NewEventStore(db DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EventStore{db: db}, nil
}

// UpsertRunStart inserts the run row, or resets it to running.
func (s *EventStore) UpsertRunStart(ctx context.Context, operationID, kind string, startedAt time.Time) error {
	query := `
		INSERT INTO operation_runs (operation_id, kind, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (operation_id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE operation_runs.status <> EXCLUDED.status;
	`
	_, err := s.db.Exec(ctx, query, operationID, kind, startedAt, store.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *EventStore) CompleteRun(
	ctx context.Context,
	operationID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE operation_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE operation_id = $4;
	`
	_, err := s.db.Exec(ctx, query, finishedAt, status, errMsg, operationID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// AppendEvents writes a batch of events in one transaction.
func (s *EventStore) AppendEvents(ctx context.Context, events []store.EventRecord) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin event batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `
		INSERT INTO operation_events
			(operation_id, type, at, step, total, percentage, message, credential_alias, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	for _, evt := range events {
		var payload any
		if len(evt.Payload) > 0 {
			payload = string(evt.Payload)
		}
		_, err = tx.Exec(ctx, query,
			evt.OperationID,
			evt.Type,
			evt.At,
			evt.Step,
			evt.Total,
			evt.Percentage,
			evt.Message,
			evt.CredentialAlias,
			payload,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by operation id.
func (s *EventStore) GetRun(ctx context.Context, operationID string) (store.OperationRun, error) {
	query := `
		SELECT operation_id, kind, started_at, finished_at, status, error_message
		FROM operation_runs
		WHERE operation_id = $1;
	`
	var (
		run    store.OperationRun
		status string
	)
	err := s.db.QueryRow(ctx, query, operationID).Scan(
		&run.OperationID,
		&run.Kind,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OperationRun{}, store.ErrNotFound
		}
		return store.OperationRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

// ListEvents pages through one operation's events in insertion order.
func (s *EventStore) ListEvents(ctx context.Context, operationID string, limit, offset int) ([]store.EventRecord, error) {
	query := `
		SELECT operation_id, type, at, step, total, percentage, message, credential_alias, COALESCE(payload::text, '')
		FROM operation_events
		WHERE operation_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, operationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []store.EventRecord
	for rows.Next() {
		var (
			evt     store.EventRecord
			payload string
		)
		err := rows.Scan(
			&evt.OperationID,
			&evt.Type,
			&evt.At,
			&evt.Step,
			&evt.Total,
			&evt.Percentage,
			&evt.Message,
			&evt.CredentialAlias,
			&payload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if payload != "" {
			evt.Payload = []byte(payload)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
