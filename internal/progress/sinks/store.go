package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/progress"
	"github.com/JakeFAU/procurement-enricher/internal/store"
)

// StoreSink persists operation runs and their event history via a
// store.EventRepository. Connection handshakes are never persisted.
type StoreSink struct {
	repo   store.EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume updates run rows for lifecycle events and appends the batch to the
// event log. It respects ctx deadlines and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	records := make([]store.EventRecord, 0, len(batch))
	for _, evt := range batch {
		if evt.Type == progress.TypeConnectionEstablished {
			continue
		}
		if err := s.handleLifecycle(ctx, evt); err != nil {
			return err
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		records = append(records, store.EventRecord{
			OperationID:     evt.OperationID,
			Type:            string(evt.Type),
			At:              evt.TS,
			Step:            evt.Step,
			Total:           evt.Total,
			Percentage:      evt.Percentage,
			Message:         evt.Message,
			CredentialAlias: evt.CredentialAlias,
			Payload:         payload,
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.repo.AppendEvents(ctx, records); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

func (s *StoreSink) handleLifecycle(ctx context.Context, evt progress.Event) error {
	switch evt.Type {
	case progress.TypeSessionStart:
		if err := s.repo.UpsertRunStart(ctx, evt.OperationID, string(evt.Kind), evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.TypeSessionComplete:
		if err := s.repo.CompleteRun(ctx, evt.OperationID, evt.TS, store.RunCompleted, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.TypeSessionError:
		msg := evt.Error
		if msg == "" {
			msg = evt.Message
		}
		if err := s.repo.CompleteRun(ctx, evt.OperationID, evt.TS, store.RunFailed, &msg); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
