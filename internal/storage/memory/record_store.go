package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/location"
)

// RecordStore keeps procurement records in memory for development and tests.
type RecordStore struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]enrich.Record
	byCode map[string]string
	seq    int
	now    func() time.Time
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byID:   make(map[string]enrich.Record),
		byCode: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Seed stores records as-is, assigning ids to those without one.
func (s *RecordStore) Seed(records ...enrich.Record) {
	for _, rec := range records {
		_, _ = s.Upsert(context.Background(), rec)
	}
}

// Upsert inserts or refreshes a record keyed by Code. Existing categories
// are kept, and so are known location values the new row leaves as
// placeholders.
func (s *RecordStore) Upsert(_ context.Context, rec enrich.Record) (bool, error) {
	if strings.TrimSpace(rec.Code) == "" {
		return false, fmt.Errorf("record code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = s.now()
	if id, ok := s.byCode[rec.Code]; ok {
		prev := s.byID[id]
		rec.ID = id
		if rec.Category == "" {
			rec.Category = prev.Category
		}
		rec.Department = keepKnown(rec.Department, prev.Department)
		rec.Province = keepKnown(rec.Province, prev.Province)
		rec.District = keepKnown(rec.District, prev.District)
		s.byID[id] = rec
		return false, nil
	}
	if rec.ID == "" {
		s.seq++
		rec.ID = "rec-" + strconv.Itoa(s.seq)
	}
	s.byID[rec.ID] = rec
	s.byCode[rec.Code] = rec.ID
	s.order = append(s.order, rec.ID)
	return true, nil
}

func keepKnown(next, prev string) string {
	if location.Placeholder(next) && !location.Placeholder(prev) {
		return prev
	}
	return next
}

// ListUncategorized returns records without a category, oldest first.
func (s *RecordStore) ListUncategorized(_ context.Context, filter enrich.RecordFilter) ([]enrich.Record, error) {
	return s.list(filter, func(rec enrich.Record) bool { return rec.Category == "" }), nil
}

// ListMissingLocation returns records with a missing or placeholder
// location level, oldest first.
func (s *RecordStore) ListMissingLocation(_ context.Context, filter enrich.RecordFilter) ([]enrich.Record, error) {
	return s.list(filter, func(rec enrich.Record) bool {
		return !location.FromRecord(rec).Complete()
	}), nil
}

// UpdateCategory sets the category of a record.
func (s *RecordStore) UpdateCategory(_ context.Context, id string, category enrich.Category) error {
	return s.update(id, func(rec *enrich.Record) { rec.Category = category })
}

// UpdateLocation sets the location of a record.
func (s *RecordStore) UpdateLocation(_ context.Context, id, department, province, district string) error {
	return s.update(id, func(rec *enrich.Record) {
		rec.Department, rec.Province, rec.District = department, province, district
	})
}

// Get returns a record by id.
func (s *RecordStore) Get(id string) (enrich.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return enrich.Record{}, fmt.Errorf("%w: %s", enrich.ErrRecordNotFound, id)
	}
	return rec, nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *RecordStore) update(id string, fn func(*enrich.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", enrich.ErrRecordNotFound, id)
	}
	fn(&rec)
	rec.UpdatedAt = s.now()
	s.byID[id] = rec
	return nil
}

func (s *RecordStore) list(filter enrich.RecordFilter, keep func(enrich.Record) bool) []enrich.Record {
	keywords := location.FoldKeywords(filter.Keywords)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []enrich.Record
	for _, id := range s.order {
		rec := s.byID[id]
		if !keep(rec) || (filter.Year != 0 && rec.Year != filter.Year) || !location.MatchesKeywords(rec, keywords) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}
