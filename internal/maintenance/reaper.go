package maintenance

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
)

// Reapable is the registry surface the reaper needs.
type Reapable interface {
	ReapStale(now time.Time, timeout time.Duration) []string
}

// Reaper fails running operations that stopped reporting progress.
type Reaper struct {
	ops        Reapable
	staleAfter time.Duration
	clock      enrich.Clock
	logger     *zap.Logger
}

// NewReaper constructs a Reaper. staleAfter <= 0 disables it.
func NewReaper(ops Reapable, staleAfter time.Duration, clock enrich.Clock, logger *zap.Logger) *Reaper {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{ops: ops, staleAfter: staleAfter, clock: clock, logger: logger}
}

// Sweep fails stale operations and returns their ids.
func (r *Reaper) Sweep() []string {
	if r.staleAfter <= 0 {
		return nil
	}
	reaped := r.ops.ReapStale(r.clock.Now(), r.staleAfter)
	for _, id := range reaped {
		r.logger.Warn("operation reaped", zap.String("operation_id", id), zap.Duration("stale_after", r.staleAfter))
	}
	metrics.ObserveMaintenance("reap", "failed", len(reaped))
	return reaped
}
