package enrich

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when a record id is unknown to the store.
var ErrRecordNotFound = errors.New("record not found")

// RecordStore persists procurement records. Writes are not transactional
// across a job: records already written stay written when a job fails.
type RecordStore interface {
	// Upsert inserts or updates a record keyed by Code and reports whether it was new.
	Upsert(ctx context.Context, rec Record) (inserted bool, err error)
	ListUncategorized(ctx context.Context, filter RecordFilter) ([]Record, error)
	ListMissingLocation(ctx context.Context, filter RecordFilter) ([]Record, error)
	UpdateCategory(ctx context.Context, id string, category Category) error
	UpdateLocation(ctx context.Context, id string, department, province, district string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for accepted operations.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces operation and credential IDs.
type IDGenerator interface {
	NewID() (string, error)
}
