package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/ai"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/location"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// LocationConfig configures the infer_location job.
type LocationConfig struct {
	// Pass2AI is the default for requests that do not set pass2_ai.
	Pass2AI      bool
	DefaultLimit int
}

// LocationInferer fills missing department, province and district values.
type LocationInferer struct {
	store  enrich.RecordStore
	ai     Completer
	gaz    *location.Gazetteer
	cfg    LocationConfig
	logger *zap.Logger
}

// NewLocationInferer constructs the infer_location job.
func NewLocationInferer(
	store enrich.RecordStore,
	completer Completer,
	gaz *location.Gazetteer,
	cfg LocationConfig,
	logger *zap.Logger,
) *LocationInferer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocationInferer{store: store, ai: completer, gaz: gaz, cfg: cfg, logger: logger}
}

// Kind implements Job.
func (l *LocationInferer) Kind() enrich.Kind { return enrich.KindInferLocation }

// Run implements Job.
func (l *LocationInferer) Run(ctx context.Context, run *Run) (operation.Details, error) {
	var params enrich.LocationParams
	if err := run.Decode(&params); err != nil {
		return operation.Details{}, err
	}
	pass2AI := l.cfg.Pass2AI
	if params.Pass2AI != nil {
		pass2AI = *params.Pass2AI
	}
	limit := params.MaxItems
	if limit <= 0 {
		limit = l.cfg.DefaultLimit
	}
	records, err := l.store.ListMissingLocation(ctx, enrich.RecordFilter{Year: params.Year, Limit: limit})
	if err != nil {
		return operation.Details{}, fmt.Errorf("list records missing location: %w", err)
	}

	engine := location.NewEngine(&aiInferrer{ai: l.ai, run: run}, l.gaz, location.EngineConfig{
		Pass2AI: pass2AI,
		Fatal:   ai.IsFatal,
		Logger:  run.Logger(),
	})
	total := -1
	result, err := engine.Run(ctx, records, location.Hooks{
		Write: func(ctx context.Context, rec enrich.Record, loc location.Location) error {
			return l.store.UpdateLocation(ctx, rec.ID, loc.Department, loc.Province, loc.District)
		},
		Progress: func(s location.Step) error {
			if s.Total != total {
				total = s.Total
				if err := run.Start(total); err != nil {
					return err
				}
			}
			return run.Advance(s.Message, s.Delta)
		},
	})
	if err != nil {
		return operation.Details{}, err
	}
	l.logger.Debug("location inference finished",
		zap.String("operation_id", run.ID),
		zap.Int("knowledge_base", result.KnowledgeBase),
		zap.Int("ai_calls", result.AICalls),
		zap.Int("unresolved", result.Unresolved),
	)
	return operation.Details{
		Summary:  operation.Summary{ProcessCount: result.ProcessCount},
		Location: result.Details(),
	}, nil
}

// aiInferrer answers the engine's phases through the credential pool.
type aiInferrer struct {
	ai  Completer
	run *Run
}

func (a *aiInferrer) FromEntity(ctx context.Context, rec enrich.Record) (location.Resolution, bool, error) {
	return a.ask(ctx, entityPrompt(rec))
}

func (a *aiInferrer) FromDescription(ctx context.Context, rec enrich.Record) (location.Resolution, bool, error) {
	return a.ask(ctx, descriptionPrompt(rec))
}

func (a *aiInferrer) MissingLevels(ctx context.Context, rec enrich.Record, known location.Location) (location.Location, bool, error) {
	res, ok, err := a.ask(ctx, missingLevelsPrompt(rec, known))
	return res.Location, ok, err
}

func (a *aiInferrer) ask(ctx context.Context, prompt string) (location.Resolution, bool, error) {
	out, err := a.ai.Call(ctx, enrich.KindInferLocation, prompt, a.run.UseCredential)
	if err != nil {
		return location.Resolution{}, false, err
	}
	res, err := parseLocationAnswer(out.Text)
	if err != nil {
		return location.Resolution{}, false, err
	}
	return res, !res.Location.Empty(), nil
}
