package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/location"
)

const recordColumns = `id, code, entity, description, year, amount, object_type, category,
	department, province, district, source_url, updated_at`

// RecordStore persists procurement records in the records table.
type RecordStore struct {
	db  DB
	now func() time.Time
}

// NewRecordStore wraps an open pool.
func NewRecordStore(db DB) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Upsert inserts a record or refreshes the row with the same code. A stored
// category survives an uncategorized refresh, and stored location levels
// survive placeholder values.
func (s *RecordStore) Upsert(ctx context.Context, rec enrich.Record) (bool, error) {
	if strings.TrimSpace(rec.Code) == "" {
		return false, fmt.Errorf("record code is required")
	}
	query := `
		INSERT INTO records (id, code, entity, description, year, amount, object_type, category,
			department, province, district, source_url, updated_at)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (code) DO UPDATE SET
			entity = EXCLUDED.entity,
			description = EXCLUDED.description,
			year = EXCLUDED.year,
			amount = EXCLUDED.amount,
			object_type = EXCLUDED.object_type,
			source_url = EXCLUDED.source_url,
			updated_at = EXCLUDED.updated_at,
			category = CASE WHEN EXCLUDED.category = '' THEN records.category ELSE EXCLUDED.category END,
			department = CASE WHEN $14 THEN records.department ELSE EXCLUDED.department END,
			province = CASE WHEN $15 THEN records.province ELSE EXCLUDED.province END,
			district = CASE WHEN $16 THEN records.district ELSE EXCLUDED.district END
		RETURNING (xmax = 0) AS inserted;
	`
	var inserted bool
	err := s.db.QueryRow(ctx, query,
		rec.ID, rec.Code, rec.Entity, rec.Description, rec.Year, rec.Amount, rec.ObjectType, string(rec.Category),
		rec.Department, rec.Province, rec.District, rec.SourceURL, s.now(),
		location.Placeholder(rec.Department), location.Placeholder(rec.Province), location.Placeholder(rec.District),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert record %s: %w", rec.Code, err)
	}
	return inserted, nil
}

// ListUncategorized returns records without a category, oldest first.
func (s *RecordStore) ListUncategorized(ctx context.Context, filter enrich.RecordFilter) ([]enrich.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE category = '' AND ($1 = 0 OR year = $1)
		ORDER BY seq;`
	return s.list(ctx, query, filter, nil, filter.Year)
}

// ListMissingLocation returns records with an empty or placeholder location
// level, oldest first. The SQL predicate narrows candidates; the exact check
// runs on the folded values.
func (s *RecordStore) ListMissingLocation(ctx context.Context, filter enrich.RecordFilter) ([]enrich.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE ($1 = 0 OR year = $1) AND (
			btrim(regexp_replace(lower(department), '[^a-z0-9]+', ' ', 'g')) = ANY($2)
			OR btrim(regexp_replace(lower(province), '[^a-z0-9]+', ' ', 'g')) = ANY($2)
			OR btrim(regexp_replace(lower(district), '[^a-z0-9]+', ' ', 'g')) = ANY($2))
		ORDER BY seq;`
	incomplete := func(rec enrich.Record) bool { return !location.FromRecord(rec).Complete() }
	return s.list(ctx, query, filter, incomplete, filter.Year, location.Placeholders())
}

// UpdateCategory sets the category of a record.
func (s *RecordStore) UpdateCategory(ctx context.Context, id string, category enrich.Category) error {
	query := `UPDATE records SET category = $1, updated_at = $2 WHERE id = $3;`
	return s.update(ctx, id, query, string(category), s.now(), id)
}

// UpdateLocation sets the location of a record.
func (s *RecordStore) UpdateLocation(ctx context.Context, id, department, province, district string) error {
	query := `UPDATE records SET department = $1, province = $2, district = $3, updated_at = $4 WHERE id = $5;`
	return s.update(ctx, id, query, department, province, district, s.now(), id)
}

// Get loads one record by id.
func (s *RecordStore) Get(ctx context.Context, id string) (enrich.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE id = $1;`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return enrich.Record{}, fmt.Errorf("%w: %s", enrich.ErrRecordNotFound, id)
		}
		return enrich.Record{}, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

func (s *RecordStore) update(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", enrich.ErrRecordNotFound, id)
	}
	return nil
}

// list streams rows, applies the keyword filter and keep, and stops at the
// filter limit.
func (s *RecordStore) list(
	ctx context.Context,
	query string,
	filter enrich.RecordFilter,
	keep func(enrich.Record) bool,
	args ...any,
) ([]enrich.Record, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	keywords := location.FoldKeywords(filter.Keywords)
	var out []enrich.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		if (keep != nil && !keep(rec)) || !location.MatchesKeywords(rec, keywords) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (enrich.Record, error) {
	var (
		rec      enrich.Record
		category string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Code,
		&rec.Entity,
		&rec.Description,
		&rec.Year,
		&rec.Amount,
		&rec.ObjectType,
		&category,
		&rec.Department,
		&rec.Province,
		&rec.District,
		&rec.SourceURL,
		&rec.UpdatedAt,
	)
	rec.Category = enrich.Category(category)
	return rec, err
}
