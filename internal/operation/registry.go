package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

const (
	defaultLogLimit = 100
	defaultPageSize = 20
	maxPageSize     = 200

	// HeartbeatLostMessage is the failure message used for reaped operations.
	HeartbeatLostMessage = "operation heartbeat lost"
)

// Config wires the registry's collaborators.
type Config struct {
	// LogLimit bounds the per-operation message log (default 100).
	LogLimit int
	Emitter  progress.Emitter
	Clock    enrich.Clock
	IDGen    enrich.IDGenerator
	Logger   *zap.Logger
}

type entry struct {
	// mu serializes the single writer; readers only load snap.
	mu   sync.Mutex
	snap atomic.Pointer[Operation]
}

// Registry owns the state of every tracked operation.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*entry

	logLimit int
	emitter  progress.Emitter
	clock    enrich.Clock
	idgen    enrich.IDGenerator
	logger   *zap.Logger
	seq      atomic.Int64
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		ops:      make(map[string]*entry),
		logLimit: cfg.LogLimit,
		emitter:  cfg.Emitter,
		clock:    cfg.Clock,
		idgen:    cfg.IDGen,
		logger:   cfg.Logger,
	}
	if r.logLimit <= 0 {
		r.logLimit = defaultLogLimit
	}
	if r.emitter == nil {
		r.emitter = progress.NopEmitter{}
	}
	if r.clock == nil {
		r.clock = system.New()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Create allocates a pending operation and stores params verbatim.
func (r *Registry) Create(kind enrich.Kind, params json.RawMessage) (string, error) {
	if _, err := enrich.ParseKind(string(kind)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKind, err)
	}
	id, err := r.newID()
	if err != nil {
		return "", err
	}
	now := r.clock.Now()
	op := &Operation{
		ID:             id,
		Kind:           kind,
		Status:         StatusPending,
		CurrentMessage: "accepted",
		Params:         append(json.RawMessage(nil), params...),
		Log:            []LogEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e := &entry{}
	e.snap.Store(op)

	r.mu.Lock()
	if _, exists := r.ops[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("operation id collision: %s", id)
	}
	r.ops[id] = e
	r.mu.Unlock()

	r.logger.Debug("operation created", zap.String("operation_id", id), zap.String("kind", string(kind)))
	return id, nil
}

// Start moves a pending operation to running.
func (r *Registry) Start(id string, stepTotal int) (Operation, error) {
	return r.mutate(id, func(op *Operation, now time.Time) ([]progress.Event, error) {
		if op.Status != StatusPending {
			return nil, fmt.Errorf("%w: start from %s", ErrInvalidTransition, op.Status)
		}
		if stepTotal < 0 {
			stepTotal = 0
		}
		op.Status = StatusRunning
		op.StepTotal = stepTotal
		op.StartedAt = &now
		op.CurrentMessage = "started"
		r.appendLog(op, now, op.CurrentMessage, "")
		return []progress.Event{eventFor(op, progress.TypeSessionStart, now)}, nil
	})
}

// SetTotal revises the step total of a running operation. The derived
// percentage is clamped so it never decreases.
func (r *Registry) SetTotal(id string, stepTotal int) (Operation, error) {
	return r.mutate(id, func(op *Operation, now time.Time) ([]progress.Event, error) {
		if op.Status != StatusRunning {
			return nil, fmt.Errorf("%w: set total while %s", ErrInvalidTransition, op.Status)
		}
		if stepTotal < op.StepCurrent {
			stepTotal = op.StepCurrent
		}
		op.StepTotal = stepTotal
		op.Percentage = max(op.Percentage, Percentage(op.StepCurrent, op.StepTotal))
		return []progress.Event{eventFor(op, progress.TypeProgressUpdate, now)}, nil
	})
}

// ReportProgress applies one worker report. Steps and percentages never
// decrease; counts deltas accumulate.
func (r *Registry) ReportProgress(id string, p Progress) (Operation, error) {
	return r.mutate(id, func(op *Operation, now time.Time) ([]progress.Event, error) {
		if op.Status != StatusRunning {
			return nil, fmt.Errorf("%w: progress while %s", ErrInvalidTransition, op.Status)
		}
		step := max(op.StepCurrent, p.Step)
		if op.StepTotal > 0 && step > op.StepTotal {
			step = op.StepTotal
		}
		op.StepCurrent = step
		op.Percentage = max(op.Percentage, Percentage(step, op.StepTotal))
		op.Counts = op.Counts.Add(p.Delta)
		if p.CredentialAlias != "" {
			op.CredentialAlias = p.CredentialAlias
		}
		if p.Message != "" {
			op.CurrentMessage = p.Message
			r.appendLog(op, now, p.Message, p.CredentialAlias)
		}
		return []progress.Event{eventFor(op, progress.TypeProgressUpdate, now)}, nil
	})
}

// Narrate records an advisory status message without touching counters.
func (r *Registry) Narrate(id, message string) (Operation, error) {
	return r.mutate(id, func(op *Operation, now time.Time) ([]progress.Event, error) {
		if op.Status.Terminal() {
			return nil, fmt.Errorf("%w: narrate while %s", ErrInvalidTransition, op.Status)
		}
		op.CurrentMessage = message
		r.appendLog(op, now, message, "")
		evt := eventFor(op, progress.TypeScraperStatus, now)
		return []progress.Event{evt}, nil
	})
}

// Complete finishes a running operation. Repeating the call with identical
// details is a no-op.
func (r *Registry) Complete(id string, details Details) (Operation, error) {
	return r.mutate(id, func(op *Operation, now time.Time) ([]progress.Event, error) {
		if op.Status.Terminal() {
			if op.Status == StatusCompleted && op.Details != nil && reflect.DeepEqual(*op.Details, withKind(details, op.Kind)) {
				return nil, errNoChange
			}
			return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, op.ID, op.Status)
		}
		if op.Status != StatusRunning {
			return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, op.Status)
		}
		if err := details.Validate(op.Kind); err != nil {
			return nil, err
		}
		d := withKind(details, op.Kind)
		op.Status = StatusCompleted
		op.Details = &d
		op.Percentage = 100
		if op.StepTotal > 0 {
			op.StepCurrent = op.StepTotal
		}
		op.FinishedAt = &now
		op.CurrentMessage = "completed"
		r.appendLog(op, now, op.CurrentMessage, "")
		evt := eventFor(op, progress.TypeSessionComplete, now)
		evt.Duration = elapsed(op, now)
		return []progress.Event{evt}, nil
	})
}

// Fail finishes a pending or running operation as failed. Repeating the
// call with an identical failure is a no-op.
func (r *Registry) Fail(id string, failure Failure) (Operation, error) {
	return r.mutate(id, func(op *Operation, now time.Time) ([]progress.Event, error) {
		if failure.Message == "" {
			failure.Message = "operation failed"
		}
		if op.Status.Terminal() {
			if op.Status == StatusFailed && op.Error == failure.Message && op.Remediation == failure.Remediation {
				return nil, errNoChange
			}
			return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, op.ID, op.Status)
		}
		op.Status = StatusFailed
		op.Error = failure.Message
		op.Remediation = failure.Remediation
		op.CurrentMessage = failure.Message
		op.FinishedAt = &now
		r.appendLog(op, now, failure.Message, "")

		events := make([]progress.Event, 0, 2)
		if failure.Remediation != "" {
			detail := eventFor(op, progress.TypeDetailedError, now)
			detail.Remediation = failure.Remediation
			detail.Error = failure.Message
			events = append(events, detail)
		}
		evt := eventFor(op, progress.TypeSessionError, now)
		evt.Error = failure.Message
		evt.Duration = elapsed(op, now)
		return append(events, evt), nil
	})
}

// Get returns the latest snapshot without blocking writers.
func (r *Registry) Get(id string) (Operation, error) {
	r.mu.RLock()
	e, ok := r.ops[id]
	r.mu.RUnlock()
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *e.snap.Load(), nil
}

// List returns a page of operations matching filter, newest first.
func (r *Registry) List(filter Filter, page Page) (ListResult, error) {
	if filter.Kind != "" {
		if _, err := enrich.ParseKind(string(filter.Kind)); err != nil {
			return ListResult{}, fmt.Errorf("%w: %v", ErrInvalidKind, err)
		}
	}
	if page.Page <= 0 {
		page.Page = 1
	}
	if page.PageSize <= 0 {
		page.PageSize = defaultPageSize
	}
	if page.PageSize > maxPageSize {
		page.PageSize = maxPageSize
	}

	matched := r.snapshots(func(op *Operation) bool {
		if filter.Kind != "" && op.Kind != filter.Kind {
			return false
		}
		if filter.Status != "" && op.Status != filter.Status {
			return false
		}
		if filter.OperationID != "" && op.ID != filter.OperationID {
			return false
		}
		return true
	})
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	res := ListResult{Page: page.Page, PageSize: page.PageSize, Total: len(matched), Operations: []Operation{}}
	start := (page.Page - 1) * page.PageSize
	if start >= len(matched) {
		return res, nil
	}
	end := min(start+page.PageSize, len(matched))
	res.Operations = append(res.Operations, matched[start:end]...)
	return res, nil
}

// FinishedBefore returns terminal operations finished before cutoff.
func (r *Registry) FinishedBefore(cutoff time.Time) []Operation {
	return r.snapshots(func(op *Operation) bool {
		return op.Status.Terminal() && op.FinishedAt != nil && op.FinishedAt.Before(cutoff)
	})
}

// Remove drops a terminal operation from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.snap.Load().Status.Terminal() {
		return fmt.Errorf("%w: cannot remove %s operation", ErrInvalidTransition, e.snap.Load().Status)
	}
	delete(r.ops, id)
	return nil
}

// Prune removes every terminal operation finished before cutoff and reports
// how many were removed.
func (r *Registry) Prune(cutoff time.Time) int {
	removed := 0
	for _, op := range r.FinishedBefore(cutoff) {
		if err := r.Remove(op.ID); err == nil {
			removed++
		}
	}
	return removed
}

// ReapStale fails running operations whose last update is older than
// timeout. Pending operations are still queued and are left alone. It
// returns the ids it failed.
func (r *Registry) ReapStale(now time.Time, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	cutoff := now.Add(-timeout)
	stale := r.snapshots(func(op *Operation) bool {
		return op.Status == StatusRunning && op.UpdatedAt.Before(cutoff)
	})
	reaped := make([]string, 0, len(stale))
	for _, op := range stale {
		if _, err := r.Fail(op.ID, Failure{Message: HeartbeatLostMessage}); err != nil {
			r.logger.Warn("reap stale operation failed", zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		reaped = append(reaped, op.ID)
	}
	return reaped
}

// Len reports the number of tracked operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

var errNoChange = errors.New("no change")

func (r *Registry) mutate(id string, fn func(op *Operation, now time.Time) ([]progress.Event, error)) (Operation, error) {
	r.mu.RLock()
	e, ok := r.ops[id]
	r.mu.RUnlock()
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.snap.Load()
	next := cloneOperation(current)
	now := r.clock.Now()
	events, err := fn(next, now)
	if err == errNoChange {
		return *current, nil
	}
	if err != nil {
		return *current, err
	}
	next.UpdatedAt = now
	e.snap.Store(next)
	for _, evt := range events {
		r.emitter.Emit(evt)
	}
	return *next, nil
}

func (r *Registry) snapshots(keep func(op *Operation) bool) []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Operation, 0, len(r.ops))
	for _, e := range r.ops {
		op := e.snap.Load()
		if keep(op) {
			out = append(out, *op)
		}
	}
	return out
}

func (r *Registry) appendLog(op *Operation, at time.Time, message, alias string) {
	op.Log = append(op.Log, LogEntry{At: at, Message: message, CredentialAlias: alias})
	if over := len(op.Log) - r.logLimit; over > 0 {
		op.Log = op.Log[over:]
	}
}

func (r *Registry) newID() (string, error) {
	if r.idgen == nil {
		return fmt.Sprintf("op-%d", r.seq.Add(1)), nil
	}
	id, err := r.idgen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate operation id: %w", err)
	}
	return id, nil
}

// cloneOperation copies the mutable slices so the previous snapshot stays untouched.
func cloneOperation(op *Operation) *Operation {
	next := *op
	next.Log = make([]LogEntry, len(op.Log), len(op.Log)+1)
	copy(next.Log, op.Log)
	return &next
}

func withKind(d Details, kind enrich.Kind) Details {
	d.Kind = kind
	return d
}

func elapsed(op *Operation, now time.Time) time.Duration {
	if op.StartedAt == nil {
		return 0
	}
	return max(now.Sub(*op.StartedAt), 0)
}

func eventFor(op *Operation, typ progress.Type, now time.Time) progress.Event {
	return progress.Event{
		Type:            typ,
		OperationID:     op.ID,
		Kind:            op.Kind,
		TS:              now,
		Status:          string(op.Status),
		Step:            op.StepCurrent,
		Total:           op.StepTotal,
		Percentage:      op.Percentage,
		Message:         op.CurrentMessage,
		CredentialAlias: op.CredentialAlias,
		Counts:          op.Counts,
	}
}

// SnapshotEvent renders an operation as a progress_update event; stream
// handlers send it to re-synchronise a (re)connecting subscriber.
func SnapshotEvent(op Operation, now time.Time) progress.Event {
	typ := progress.TypeProgressUpdate
	switch op.Status {
	case StatusCompleted:
		typ = progress.TypeSessionComplete
	case StatusFailed:
		typ = progress.TypeSessionError
	}
	evt := eventFor(&op, typ, now)
	evt.Error = op.Error
	evt.Remediation = op.Remediation
	return evt
}
