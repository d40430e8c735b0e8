// Package location infers the department, province and district of
// procurement records in two passes: pass 1 resolves records through AI and
// heuristics while building a per-run knowledge base of district hierarchies;
// pass 2 completes partial records from that knowledge base without further
// AI calls.
package location

import (
	"context"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// Location is a three-level Peruvian administrative hierarchy. Empty fields
// are unknown.
type Location struct {
	Department string `json:"departamento" yaml:"department"`
	Province   string `json:"provincia" yaml:"province"`
	District   string `json:"distrito" yaml:"district"`
}

// FromRecord reads a record's location, mapping placeholders to "".
func FromRecord(rec enrich.Record) Location {
	return Location{
		Department: clean(rec.Department),
		Province:   clean(rec.Province),
		District:   clean(rec.District),
	}
}

// Empty reports whether no level is known.
func (l Location) Empty() bool {
	return l.Department == "" && l.Province == "" && l.District == ""
}

// Complete reports whether every level is known.
func (l Location) Complete() bool {
	return l.Department != "" && l.Province != "" && l.District != ""
}

// Fill returns l with its unknown levels taken from other. Known levels are
// never overwritten.
func (l Location) Fill(other Location) Location {
	if l.Department == "" {
		l.Department = other.Department
	}
	if l.Province == "" {
		l.Province = other.Province
	}
	if l.District == "" {
		l.District = other.District
	}
	return l
}

// Agrees reports whether no level known in both l and other differs.
func (l Location) Agrees(other Location) bool {
	return agree(l.Department, other.Department) &&
		agree(l.Province, other.Province) &&
		agree(l.District, other.District)
}

func agree(a, b string) bool {
	return a == "" || b == "" || Fold(a) == Fold(b)
}

// Source is the confidence source of a resolution.
type Source string

// Confidence sources, strongest first.
const (
	SourceValidated Source = "validated"
	SourceAIHigh    Source = "ai_high"
	SourceAILow     Source = "ai_low"
	SourceHeuristic Source = "heuristic"
)

// Trusted reports whether a resolution may seed the knowledge base.
func (s Source) Trusted() bool {
	return s == SourceValidated || s == SourceAIHigh
}

// Resolution is one inferred location with its confidence source.
type Resolution struct {
	Location Location
	Source   Source
}

// Inferrer performs the AI-backed resolution phases. ok is false when the
// phase produced no location.
type Inferrer interface {
	// FromEntity derives a location from the contracting entity's jurisdiction.
	FromEntity(ctx context.Context, rec enrich.Record) (res Resolution, ok bool, err error)
	// FromDescription mines the free-text description for locality names.
	FromDescription(ctx context.Context, rec enrich.Record) (res Resolution, ok bool, err error)
	// MissingLevels asks only for the levels absent from known.
	MissingLevels(ctx context.Context, rec enrich.Record, known Location) (loc Location, ok bool, err error)
}
