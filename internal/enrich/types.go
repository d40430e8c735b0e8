package enrich

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the supported background job kinds.
type Kind string

// Supported job kinds.
const (
	KindScrape        Kind = "scrape"
	KindCategorize    Kind = "categorize"
	KindInferLocation Kind = "infer_location"
)

// Kinds lists every supported job kind in a stable order.
var Kinds = []Kind{KindScrape, KindCategorize, KindInferLocation}

// ParseKind validates a raw kind string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindScrape, KindCategorize, KindInferLocation:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("unknown job kind %q", raw)
	}
}

// Category is the procurement object classification assigned by the categorizer.
type Category string

// Known categories.
const (
	CategoryGoods       Category = "Bien"
	CategoryService     Category = "Servicio"
	CategoryWorks       Category = "Obra"
	CategoryConsultancy Category = "Consultoria"
)

// Categories lists the accepted categories.
var Categories = []Category{CategoryGoods, CategoryService, CategoryWorks, CategoryConsultancy}

// Record is one procurement notice tracked by the enrichment jobs.
type Record struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Entity      string    `json:"entity"`
	Description string    `json:"description"`
	Year        int       `json:"year"`
	Amount      float64   `json:"amount"`
	ObjectType  string    `json:"object_type"`
	Category    Category  `json:"category,omitempty"`
	Department  string    `json:"department"`
	Province    string    `json:"province"`
	District    string    `json:"district"`
	SourceURL   string    `json:"source_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecordFilter narrows record listings for a job run.
type RecordFilter struct {
	Year     int
	Keywords []string
	Limit    int
}

// QueueItem wraps an accepted operation ready to run.
type QueueItem struct {
	OperationID string
	Kind        Kind
	Params      json.RawMessage
	Submitted   int64
}

// ScrapeParams configures a scrape job.
type ScrapeParams struct {
	URLs     []string `json:"urls" validate:"omitempty,dive,url"`
	Keywords []string `json:"keywords" validate:"omitempty,dive,min=2"`
	Year     int      `json:"year" validate:"omitempty,min=2000,max=2100"`
	MaxItems int      `json:"max_items" validate:"omitempty,min=1,max=10000"`
}

// CategorizeParams configures a categorize job.
type CategorizeParams struct {
	Keywords []string `json:"keywords" validate:"omitempty,dive,min=2"`
	Year     int      `json:"year" validate:"omitempty,min=2000,max=2100"`
	MaxItems int      `json:"max_items" validate:"omitempty,min=1,max=10000"`
}

// LocationParams configures an infer_location job.
type LocationParams struct {
	Year     int   `json:"year" validate:"omitempty,min=2000,max=2100"`
	MaxItems int   `json:"max_items" validate:"omitempty,min=1,max=10000"`
	Pass2AI  *bool `json:"pass2_ai"`
}

// Counts are the uniform per-operation write counters.
type Counts struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Errors   int64 `json:"errors"`
}

// Add returns the element-wise sum of c and delta.
func (c Counts) Add(delta Counts) Counts {
	return Counts{
		Inserted: c.Inserted + delta.Inserted,
		Updated:  c.Updated + delta.Updated,
		Errors:   c.Errors + delta.Errors,
	}
}
