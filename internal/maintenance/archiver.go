package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// Archivable is the registry surface the archiver needs.
type Archivable interface {
	FinishedBefore(cutoff time.Time) []operation.Operation
	Remove(id string) error
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	// Retention is how long a finished operation stays queryable. Zero
	// disables archival.
	Retention time.Duration
	Prefix    string
	Clock     enrich.Clock
	Logger    *zap.Logger
}

// ArchiveResult summarizes one sweep.
type ArchiveResult struct {
	Archived int
	Failed   int
}

// Archiver writes expired operation snapshots to a blob store and then
// removes them from the registry.
type Archiver struct {
	ops   Archivable
	blobs enrich.BlobStore
	cfg   ArchiverConfig
}

// NewArchiver constructs an Archiver.
func NewArchiver(ops Archivable, blobs enrich.BlobStore, cfg ArchiverConfig) *Archiver {
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "operations"
	}
	return &Archiver{ops: ops, blobs: blobs, cfg: cfg}
}

// Sweep archives every operation finished before now minus retention. An
// operation whose upload fails stays in the registry for the next sweep.
func (a *Archiver) Sweep(ctx context.Context) (ArchiveResult, error) {
	var res ArchiveResult
	if a.cfg.Retention <= 0 {
		return res, nil
	}
	cutoff := a.cfg.Clock.Now().Add(-a.cfg.Retention)
	for _, op := range a.ops.FinishedBefore(cutoff) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		uri, err := a.archive(ctx, op)
		if err != nil {
			res.Failed++
			a.cfg.Logger.Warn("archive operation failed", zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		if err := a.ops.Remove(op.ID); err != nil {
			res.Failed++
			a.cfg.Logger.Warn("remove archived operation failed", zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		res.Archived++
		a.cfg.Logger.Debug("operation archived", zap.String("operation_id", op.ID), zap.String("uri", uri))
	}
	metrics.ObserveMaintenance("archive", "archived", res.Archived)
	metrics.ObserveMaintenance("archive", "failed", res.Failed)
	return res, nil
}

func (a *Archiver) archive(ctx context.Context, op operation.Operation) (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("encode operation: %w", err)
	}
	return a.blobs.PutObject(ctx, ArchivePath(a.cfg.Prefix, op), "application/json", data)
}

// ArchivePath returns prefix/yyyy/mm/dd/<id>.json for the operation's finish
// date in UTC.
func ArchivePath(prefix string, op operation.Operation) string {
	at := op.UpdatedAt
	if op.FinishedAt != nil {
		at = *op.FinishedAt
	}
	return path.Join(prefix, at.UTC().Format("2006/01/02"), op.ID+".json")
}
