package operation

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// Summary holds the counters shared by every job kind.
type Summary struct {
	Inserted     int64 `json:"inserted"`
	Updated      int64 `json:"updated"`
	Errors       int64 `json:"errors"`
	ProcessCount int   `json:"process_count"`
	DurationMs   int64 `json:"duration_ms"`
}

// ScrapeDetails is the result of a scrape operation.
type ScrapeDetails struct {
	PagesVisited int `json:"paginasVisitadas"`
	PagesFailed  int `json:"paginasFallidas"`
	RecordsFound int `json:"registrosEncontrados"`
}

// CategorizeDetails is the result of a categorize operation.
type CategorizeDetails struct {
	Distribution map[enrich.Category]int `json:"distribucionCategorias"`
}

// LocationDetails is the result of an infer_location operation.
type LocationDetails struct {
	KnowledgeBase       int `json:"baseConocimiento"`
	KnowledgeConflicts  int `json:"conflictosBase"`
	UsedAI              int `json:"usaronIA"`
	UsedFallback        int `json:"usaronFallback"`
	Updated             int `json:"actualizados"`
	CompletedFromBase   int `json:"completadosConBase"`
	CompletedWithAI     int `json:"completadosConIA"`
	Improved            int `json:"mejorados"`
	Unresolved          int `json:"sinResolver"`
	PercentFromBase     int `json:"porcentajeConBase"`
	PercentWithAI       int `json:"porcentajeConIA"`
	PercentImproved     int `json:"porcentajeMejorados"`
	PercentAIResolution int `json:"porcentajeIA"`
	AICalls             int `json:"llamadasIA"`
}

// Details is the kind-tagged result payload of a completed operation. The
// shared Summary and the single variant matching Kind serialize as one flat
// object.
type Details struct {
	Kind       enrich.Kind
	Summary    Summary
	Scrape     *ScrapeDetails
	Categorize *CategorizeDetails
	Location   *LocationDetails
}

// Validate checks that exactly the variant matching kind is populated.
func (d Details) Validate(kind enrich.Kind) error {
	if d.Kind != "" && d.Kind != kind {
		return fmt.Errorf("%w: tagged %s, operation is %s", ErrDetailsMismatch, d.Kind, kind)
	}
	set := 0
	for _, present := range []bool{d.Scrape != nil, d.Categorize != nil, d.Location != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants populated", ErrDetailsMismatch, set)
	}
	var ok bool
	switch kind {
	case enrich.KindScrape:
		ok = d.Scrape != nil
	case enrich.KindCategorize:
		ok = d.Categorize != nil
	case enrich.KindInferLocation:
		ok = d.Location != nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s payload missing", ErrDetailsMismatch, kind)
	}
	return nil
}

func (d Details) variant() any {
	switch {
	case d.Scrape != nil:
		return d.Scrape
	case d.Categorize != nil:
		return d.Categorize
	case d.Location != nil:
		return d.Location
	default:
		return nil
	}
}

// MarshalJSON flattens the summary and the populated variant.
func (d Details) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := mergeInto(fields, d.Summary); err != nil {
		return nil, err
	}
	if v := d.variant(); v != nil {
		if err := mergeInto(fields, v); err != nil {
			return nil, err
		}
	}
	kind, err := json.Marshal(d.Kind)
	if err != nil {
		return nil, fmt.Errorf("marshal details kind: %w", err)
	}
	fields["kind"] = kind
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return out, nil
}

// UnmarshalJSON restores the variant selected by the "kind" field.
func (d *Details) UnmarshalJSON(data []byte) error {
	var tag struct {
		Kind enrich.Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("unmarshal details kind: %w", err)
	}
	out := Details{Kind: tag.Kind}
	if err := json.Unmarshal(data, &out.Summary); err != nil {
		return fmt.Errorf("unmarshal details summary: %w", err)
	}
	var target any
	switch tag.Kind {
	case enrich.KindScrape:
		out.Scrape = &ScrapeDetails{}
		target = out.Scrape
	case enrich.KindCategorize:
		out.Categorize = &CategorizeDetails{}
		target = out.Categorize
	case enrich.KindInferLocation:
		out.Location = &LocationDetails{}
		target = out.Location
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, tag.Kind)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal %s details: %w", tag.Kind, err)
	}
	*d = out
	return nil
}

func mergeInto(fields map[string]json.RawMessage, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal details part: %w", err)
	}
	var part map[string]json.RawMessage
	if err := json.Unmarshal(raw, &part); err != nil {
		return fmt.Errorf("flatten details part: %w", err)
	}
	for k, val := range part {
		fields[k] = val
	}
	return nil
}

// Percent returns round(100*part/whole), or 0 when whole is 0.
func Percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return (200*part + whole) / (2 * whole)
}
