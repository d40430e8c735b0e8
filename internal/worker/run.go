package worker

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// Tracker is the part of the operation registry a worker drives.
type Tracker interface {
	Start(id string, stepTotal int) (operation.Operation, error)
	SetTotal(id string, stepTotal int) (operation.Operation, error)
	ReportProgress(id string, p operation.Progress) (operation.Operation, error)
	Narrate(id, message string) (operation.Operation, error)
	Complete(id string, details operation.Details) (operation.Operation, error)
	Fail(id string, failure operation.Failure) (operation.Operation, error)
}

// Run is a job's handle on its operation. It is owned by one goroutine.
type Run struct {
	ID     string
	Kind   enrich.Kind
	Params json.RawMessage

	tracker Tracker
	logger  *zap.Logger
	step    int
	alias   string
	counts  enrich.Counts
}

func newRun(item enrich.QueueItem, tracker Tracker, logger *zap.Logger) *Run {
	return &Run{
		ID:      item.OperationID,
		Kind:    item.Kind,
		Params:  item.Params,
		tracker: tracker,
		logger:  logger,
	}
}

// Decode unmarshals the operation parameters into v. Empty parameters leave
// v untouched.
func (r *Run) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Kind, err)
	}
	return nil
}

// Start declares how many steps the job will take.
func (r *Run) Start(total int) error {
	return r.check("set total", func() error {
		_, err := r.tracker.SetTotal(r.ID, total)
		return err
	})
}

// Advance completes one step, applying delta to the counters.
func (r *Run) Advance(message string, delta enrich.Counts) error {
	r.step++
	r.counts = r.counts.Add(delta)
	return r.check("report progress", func() error {
		_, err := r.tracker.ReportProgress(r.ID, operation.Progress{
			Step:            r.step,
			Message:         message,
			Delta:           delta,
			CredentialAlias: r.alias,
		})
		return err
	})
}

// Narrate records an advisory status message.
func (r *Run) Narrate(message string) error {
	return r.check("narrate", func() error {
		_, err := r.tracker.Narrate(r.ID, message)
		return err
	})
}

// UseCredential records the alias of the credential serving the current
// unit of work. It has the signature ai.Caller expects for its callback.
func (r *Run) UseCredential(alias string) {
	if alias == "" || alias == r.alias {
		return
	}
	r.alias = alias
	_ = r.check("record credential", func() error {
		_, err := r.tracker.ReportProgress(r.ID, operation.Progress{Step: r.step, CredentialAlias: alias})
		return err
	})
}

// Counts returns the counters accumulated so far.
func (r *Run) Counts() enrich.Counts {
	return r.counts
}

// Step returns the number of completed steps.
func (r *Run) Step() int {
	return r.step
}

// Logger returns a logger scoped to the operation.
func (r *Run) Logger() *zap.Logger {
	return r.logger
}

// check logs registry contract violations loudly and returns them.
func (r *Run) check(action string, fn func() error) error {
	if err := fn(); err != nil {
		r.logger.Error("operation registry rejected update",
			zap.String("action", action),
			zap.Int("step", r.step),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}
