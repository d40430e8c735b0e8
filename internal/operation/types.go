// Package operation tracks the lifecycle of background enrichment jobs. Every
// operation is a single-writer state machine (pending, running, then completed
// or failed) whose latest snapshot can be read without blocking the writer.
package operation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return Status(raw), nil
	default:
		return "", errors.New("unknown operation status " + raw)
	}
}

var (
	// ErrNotFound signals an unknown operation id.
	ErrNotFound = errors.New("operation not found")
	// ErrInvalidTransition is returned when a mutation does not fit the current status.
	ErrInvalidTransition = errors.New("invalid operation transition")
	// ErrAlreadyTerminal is returned when a terminal operation is finished again with different arguments.
	ErrAlreadyTerminal = errors.New("operation already terminal")
	// ErrInvalidKind signals an unsupported job kind.
	ErrInvalidKind = errors.New("invalid operation kind")
	// ErrDetailsMismatch is returned when a details payload does not match the operation kind.
	ErrDetailsMismatch = errors.New("details do not match operation kind")
)

// LogEntry is one line of an operation's message log.
type LogEntry struct {
	At              time.Time `json:"timestamp"`
	Message         string    `json:"message"`
	CredentialAlias string    `json:"credential_alias,omitempty"`
}

// Operation is an immutable snapshot of one tracked job.
type Operation struct {
	ID              string          `json:"operation_id"`
	Kind            enrich.Kind     `json:"kind"`
	Status          Status          `json:"status"`
	StepCurrent     int             `json:"step_current"`
	StepTotal       int             `json:"step_total"`
	Percentage      int             `json:"percentage"`
	CurrentMessage  string          `json:"current_message"`
	CredentialAlias string          `json:"credential_alias,omitempty"`
	Counts          enrich.Counts   `json:"counts"`
	Details         *Details        `json:"details,omitempty"`
	Params          json.RawMessage `json:"search_params,omitempty"`
	Log             []LogEntry      `json:"log"`
	Error           string          `json:"error,omitempty"`
	Remediation     string          `json:"remediation,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Progress is one report from the owning worker.
type Progress struct {
	Step            int
	Message         string
	Delta           enrich.Counts
	CredentialAlias string
}

// Failure describes a terminal failure. Remediation is an optional operator hint.
type Failure struct {
	Message     string
	Remediation string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind        enrich.Kind
	Status      Status
	OperationID string
}

// Page selects a 1-based page of results.
type Page struct {
	Page     int
	PageSize int
}

// ListResult is a page of operations, newest first.
type ListResult struct {
	Operations []Operation `json:"operations"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	Total      int         `json:"total"`
}

// Percentage derives the running percentage for step of total. It never
// reaches 100; only completion does.
func Percentage(step, total int) int {
	if total <= 0 || step <= 0 {
		return 0
	}
	pct := step * 100 / total
	if pct > 99 {
		return 99
	}
	return pct
}
