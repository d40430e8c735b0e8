package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

// LogSink emits one structured log line per operation event. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("operation_id", evt.OperationID),
			zap.String("type", string(evt.Type)),
			zap.String("kind", string(evt.Kind)),
			zap.String("status", evt.Status),
			zap.Int("step", evt.Step),
			zap.Int("total", evt.Total),
			zap.Int("percentage", evt.Percentage),
			zap.Int64("inserted", evt.Counts.Inserted),
			zap.Int64("updated", evt.Counts.Updated),
			zap.Int64("errors", evt.Counts.Errors),
		}
		if evt.CredentialAlias != "" {
			fields = append(fields, zap.String("credential_alias", evt.CredentialAlias))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.Duration > 0 {
			fields = append(fields, zap.Duration("dur", evt.Duration))
		}
		switch evt.Type {
		case progress.TypeSessionError, progress.TypeDetailedError:
			fields = append(fields, zap.String("error", evt.Error), zap.String("remediation", evt.Remediation))
			s.logger.Warn("operation event", fields...)
		default:
			s.logger.Info("operation event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
