package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

// Notification is the message published when an operation finishes.
type Notification struct {
	OperationID string        `json:"operation_id"`
	Kind        enrich.Kind   `json:"kind"`
	Status      string        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	Remediation string        `json:"remediation,omitempty"`
	Counts      enrich.Counts `json:"counts"`
	DurationMs  int64         `json:"duration_ms"`
	FinishedAt  string        `json:"finished_at"`
}

// Attributes exposes routing attributes for Pub/Sub subscribers.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"operation_id": n.OperationID,
		"kind":         string(n.Kind),
		"status":       n.Status,
	}
}

// PubSubSink publishes terminal operation events so downstream systems can
// react to finished enrichment runs.
type PubSubSink struct {
	publisher enrich.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPubSubSink constructs a PubSubSink for topic.
func NewPubSubSink(publisher enrich.Publisher, topic string, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one Notification per terminal event in the batch.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var remediation map[string]string
	for _, evt := range batch {
		if evt.Type == progress.TypeDetailedError {
			if remediation == nil {
				remediation = make(map[string]string)
			}
			remediation[evt.OperationID] = evt.Remediation
			continue
		}
		if !evt.Terminal() {
			continue
		}
		n := Notification{
			OperationID: evt.OperationID,
			Kind:        evt.Kind,
			Status:      evt.Status,
			Message:     evt.Message,
			Error:       evt.Error,
			Remediation: remediation[evt.OperationID],
			Counts:      evt.Counts,
			DurationMs:  evt.Duration.Milliseconds(),
			FinishedAt:  evt.TS.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
		id, err := s.publisher.Publish(ctx, s.topic, n)
		if err != nil {
			return fmt.Errorf("publish %s notification: %w", evt.OperationID, err)
		}
		s.logger.Debug("operation notification published",
			zap.String("operation_id", evt.OperationID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
