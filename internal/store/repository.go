package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/procurement-enricher/internal/credential"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the operation_runs status column.
type RunStatus string

// Operation run statuses persisted in operation_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// OperationRun models the operation_runs table: the durable lifecycle row of
// one operation, kept after the in-memory snapshot is archived.
type OperationRun struct {
	OperationID  string
	Kind         string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
}

// EventRecord is one persisted progress event.
type EventRecord struct {
	OperationID     string
	Type            string
	At              time.Time
	Step            int
	Total           int
	Percentage      int
	Message         string
	CredentialAlias string
	// Payload holds the full event encoded as JSON.
	Payload []byte
}

// EventRepository persists operation lifecycle rows and their event history.
type EventRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run's start.
	UpsertRunStart(ctx context.Context, operationID, kind string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, operationID string, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AppendEvents stores a batch of events in order.
	AppendEvents(ctx context.Context, events []EventRecord) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, operationID string) (OperationRun, error)
	// ListEvents pages through one operation's history, oldest first.
	ListEvents(ctx context.Context, operationID string, limit, offset int) ([]EventRecord, error)
}

// UsageRepository persists credential usage log entries.
type UsageRepository interface {
	RecordUsage(ctx context.Context, credentialID string, entry credential.UsageEntry) error
	ListUsage(ctx context.Context, credentialID string, limit int) ([]credential.UsageEntry, error)
}
