// Package worker executes accepted operations: it dequeues them, drives
// their progress through the operation registry and finishes them with
// kind-specific details.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/ai"
	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// Remediation hints attached to failures as detailed_error events.
const (
	RemediationNoCredential = "Add an active Gemini API key or wait for the quota reset, then start the operation again."
	RemediationFailovers    = "Several Gemini keys hit their quota in a row; add keys or retry after the quota window."
	RemediationCanceled     = "The service stopped while the operation ran; start it again."
)

// Job is one kind of background work.
type Job interface {
	Kind() enrich.Kind
	// Run performs the work. The returned details carry the kind-specific
	// payload and Summary.ProcessCount; the worker fills the remaining
	// summary counters.
	Run(ctx context.Context, run *Run) (operation.Details, error)
}

// Worker consumes queue items and executes their jobs.
type Worker struct {
	queue   enrich.Queue
	tracker Tracker
	jobs    map[enrich.Kind]Job
	clock   enrich.Clock
	logger  *zap.Logger
}

// New constructs a Worker.
func New(queue enrich.Queue, tracker Tracker, jobs []Job, clock enrich.Clock, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	byKind := make(map[enrich.Kind]Job, len(jobs))
	for _, j := range jobs {
		byKind[j.Kind()] = j
	}
	return &Worker{queue: queue, tracker: tracker, jobs: byKind, clock: clock, logger: logger}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued operation", zap.String("operation_id", item.OperationID), zap.String("kind", string(item.Kind)))
		w.Process(ctx, item)
	}
}

// Process runs one operation to a terminal state.
func (w *Worker) Process(ctx context.Context, item enrich.QueueItem) {
	logger := w.logger.With(zap.String("operation_id", item.OperationID), zap.String("kind", string(item.Kind)))

	job, ok := w.jobs[item.Kind]
	if !ok {
		w.fail(logger, item, operation.Failure{Message: fmt.Sprintf("no job registered for kind %q", item.Kind)})
		return
	}
	if _, err := w.tracker.Start(item.OperationID, 0); err != nil {
		logger.Error("start operation failed", zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	started := w.clock.Now()
	run := newRun(item, w.tracker, logger)
	details, err := job.Run(ctx, run)
	if err != nil {
		logger.Warn("operation failed", zap.Error(err), zap.Int("step", run.Step()))
		w.fail(logger, item, failureFor(err))
		return
	}

	counts := run.Counts()
	details.Summary.Inserted = counts.Inserted
	details.Summary.Updated = counts.Updated
	details.Summary.Errors = counts.Errors
	details.Summary.DurationMs = w.clock.Now().Sub(started).Milliseconds()
	if _, err := w.tracker.Complete(item.OperationID, details); err != nil {
		logger.Error("complete operation failed", zap.Error(err))
		w.fail(logger, item, operation.Failure{Message: fmt.Sprintf("could not record result: %v", err)})
		return
	}
	metrics.ObserveOperationFinished(string(item.Kind), string(operation.StatusCompleted))
	logger.Info("operation completed",
		zap.Int64("updated", counts.Updated),
		zap.Int64("inserted", counts.Inserted),
		zap.Int64("errors", counts.Errors),
	)
}

func (w *Worker) fail(logger *zap.Logger, item enrich.QueueItem, failure operation.Failure) {
	if _, err := w.tracker.Fail(item.OperationID, failure); err != nil {
		logger.Error("fail operation failed", zap.Error(err))
		return
	}
	metrics.ObserveOperationFinished(string(item.Kind), string(operation.StatusFailed))
}

// failureFor turns a job error into the user-visible failure.
func failureFor(err error) operation.Failure {
	switch {
	case errors.Is(err, credential.ErrNoCredentialAvailable):
		return operation.Failure{Message: err.Error(), Remediation: RemediationNoCredential}
	case errors.Is(err, ai.ErrFailoversExhausted):
		return operation.Failure{Message: err.Error(), Remediation: RemediationFailovers}
	case errors.Is(err, context.Canceled):
		return operation.Failure{Message: "operation canceled: " + err.Error(), Remediation: RemediationCanceled}
	default:
		return operation.Failure{Message: err.Error()}
	}
}
