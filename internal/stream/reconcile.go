package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// Action tells a client what to do with a cached operation id.
type Action string

// Reconciliation outcomes.
const (
	// ActionResume means the operation is still in flight; keep watching.
	ActionResume Action = "resume"
	// ActionDiscard means the cached id is finished or unknown; forget it.
	ActionDiscard Action = "discard"
)

// Decision is the outcome of Reconcile. Snapshot is nil when the server no
// longer knows the operation.
type Decision struct {
	Action   Action
	Snapshot *operation.Operation
}

// Reconcile decides whether a possibly stale cached operation id is still
// worth watching. It reads the server once and never mutates anything, so
// calling it repeatedly is safe. An empty id is discarded without a read.
func Reconcile(ctx context.Context, fetcher Fetcher, cachedID string) (Decision, error) {
	if cachedID == "" {
		return Decision{Action: ActionDiscard}, nil
	}
	op, err := fetcher.Fetch(ctx, cachedID)
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			return Decision{Action: ActionDiscard}, nil
		}
		return Decision{}, fmt.Errorf("reconcile %s: %w", cachedID, err)
	}
	if op.Status.Terminal() {
		return Decision{Action: ActionDiscard, Snapshot: &op}, nil
	}
	return Decision{Action: ActionResume, Snapshot: &op}, nil
}
