package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// ErrPollExhausted is returned when the attempt budget runs out before the
// operation reaches a terminal state. The operation itself keeps running.
var ErrPollExhausted = errors.New("poll attempts exhausted")

const (
	defaultPollInterval    = 2 * time.Second
	defaultPollMaxAttempts = 150
)

// Poller waits for an operation by reading its snapshot at a fixed interval.
type Poller struct {
	Fetcher     Fetcher
	Interval    time.Duration
	MaxAttempts int
}

// Wait polls until the operation is terminal and returns that snapshot.
// onSnapshot, when non-nil, sees every snapshot read. Giving up only stops
// this watcher; it never cancels server-side work.
func (p Poller) Wait(ctx context.Context, id string, onSnapshot func(operation.Operation)) (operation.Operation, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = defaultPollMaxAttempts
	}

	var (
		last    operation.Operation
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		op, err := p.Fetcher.Fetch(ctx, id)
		switch {
		case errors.Is(err, operation.ErrNotFound):
			return operation.Operation{}, err
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			lastErr = err
		default:
			last, lastErr = op, nil
			if onSnapshot != nil {
				onSnapshot(op)
			}
			if op.Status.Terminal() {
				return op, nil
			}
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr != nil {
		return last, fmt.Errorf("%w after %d attempts: %w", ErrPollExhausted, attempts, lastErr)
	}
	return last, fmt.Errorf("%w after %d attempts", ErrPollExhausted, attempts)
}
