package worker

import (
	"context"
	"fmt"

	"github.com/JakeFAU/procurement-enricher/internal/ai"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// Completer sends one prompt through the credential pool.
type Completer interface {
	Call(ctx context.Context, kind enrich.Kind, prompt string, onCredential func(alias string)) (ai.Result, error)
}

// Categorizer assigns a procurement category to uncategorized records.
type Categorizer struct {
	store        enrich.RecordStore
	ai           Completer
	defaultLimit int
}

// NewCategorizer constructs the categorize job. defaultLimit caps the batch
// when the request sets no max_items.
func NewCategorizer(store enrich.RecordStore, completer Completer, defaultLimit int) *Categorizer {
	return &Categorizer{store: store, ai: completer, defaultLimit: defaultLimit}
}

// Kind implements Job.
func (c *Categorizer) Kind() enrich.Kind { return enrich.KindCategorize }

// Run implements Job.
func (c *Categorizer) Run(ctx context.Context, run *Run) (operation.Details, error) {
	var params enrich.CategorizeParams
	if err := run.Decode(&params); err != nil {
		return operation.Details{}, err
	}
	limit := params.MaxItems
	if limit <= 0 {
		limit = c.defaultLimit
	}
	records, err := c.store.ListUncategorized(ctx, enrich.RecordFilter{Year: params.Year, Keywords: params.Keywords, Limit: limit})
	if err != nil {
		return operation.Details{}, fmt.Errorf("list uncategorized records: %w", err)
	}
	if err := run.Start(len(records)); err != nil {
		return operation.Details{}, err
	}

	distribution := make(map[enrich.Category]int)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return operation.Details{}, err
		}
		category, err := c.categorize(ctx, run, rec)
		if err != nil {
			if ai.IsFatal(err) {
				return operation.Details{}, err
			}
			if err := run.Advance(fmt.Sprintf("%s: %v", rec.Code, err), enrich.Counts{Errors: 1}); err != nil {
				return operation.Details{}, err
			}
			continue
		}
		distribution[category]++
		if err := run.Advance(fmt.Sprintf("%s categorized as %s", rec.Code, category), enrich.Counts{Updated: 1}); err != nil {
			return operation.Details{}, err
		}
	}

	return operation.Details{
		Summary:    operation.Summary{ProcessCount: len(records)},
		Categorize: &operation.CategorizeDetails{Distribution: distribution},
	}, nil
}

func (c *Categorizer) categorize(ctx context.Context, run *Run, rec enrich.Record) (enrich.Category, error) {
	res, err := c.ai.Call(ctx, enrich.KindCategorize, categorizePrompt(rec), run.UseCredential)
	if err != nil {
		return "", err
	}
	category, err := ParseCategory(res.Text)
	if err != nil {
		return "", err
	}
	if err := c.store.UpdateCategory(ctx, rec.ID, category); err != nil {
		return "", fmt.Errorf("store category: %w", err)
	}
	return category, nil
}
