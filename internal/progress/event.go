package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// Type denotes the kind of lifecycle milestone represented by an Event.
type Type string

// Supported event types.
const (
	TypeSessionStart          Type = "session_start"
	TypeProgressUpdate        Type = "progress_update"
	TypeSessionComplete       Type = "session_complete"
	TypeSessionError          Type = "session_error"
	TypeScraperStatus         Type = "scraper_status"
	TypeDetailedError         Type = "detailed_error"
	TypeConnectionEstablished Type = "connection_established"
)

// Event captures one observable change of an operation.
type Event struct {
	Type            Type          `json:"type"`
	OperationID     string        `json:"operation_id"`
	Kind            enrich.Kind   `json:"kind,omitempty"`
	TS              time.Time     `json:"timestamp"`
	Status          string        `json:"status,omitempty"`
	Step            int           `json:"step_current"`
	Total           int           `json:"step_total"`
	Percentage      int           `json:"percentage"`
	Message         string        `json:"message,omitempty"`
	CredentialAlias string        `json:"credential_alias,omitempty"`
	Counts          enrich.Counts `json:"counts"`
	// Remediation is a suggested operator action attached to detailed_error events.
	Remediation string `json:"remediation,omitempty"`
	Error       string `json:"error,omitempty"`
	// Duration is set on terminal events.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.OperationID == "" {
		return errors.New("operation id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeSessionStart, TypeProgressUpdate, TypeSessionComplete, TypeScraperStatus,
		TypeConnectionEstablished:
	case TypeSessionError:
		if e.Error == "" && e.Message == "" {
			return errors.New("session error requires a message")
		}
	case TypeDetailedError:
		if e.Remediation == "" {
			return errors.New("detailed error requires a remediation")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Percentage < 0 || e.Percentage > 100 {
		return fmt.Errorf("percentage %d out of range", e.Percentage)
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends the operation's stream.
func (e Event) Terminal() bool {
	return e.Type == TypeSessionComplete || e.Type == TypeSessionError
}
