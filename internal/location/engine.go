package location

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
)

// ErrNoWriter is returned when Run is called without a write hook.
var ErrNoWriter = errors.New("location engine requires a write hook")

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Pass2AI enables one AI call per pass-2 record whose district is not in
	// the knowledge base, asking only for the missing levels.
	Pass2AI bool
	// Fatal decides whether an inferrer error aborts the run. Other errors
	// count against the record and resolution moves on. Defaults to context
	// cancellation only.
	Fatal  func(error) bool
	Logger *zap.Logger
}

// Step reports one processed record.
type Step struct {
	Done    int
	Total   int
	Message string
	Delta   enrich.Counts
}

// Hooks connect a run to storage and progress reporting.
type Hooks struct {
	Write func(ctx context.Context, rec enrich.Record, loc Location) error
	// Progress is told of every processed record; an error aborts the run.
	Progress func(Step) error
}

// Result carries the counters of one run.
type Result struct {
	ProcessCount      int
	KnowledgeBase     int
	Conflicts         int
	UsedAI            int
	UsedFallback      int
	Updated           int
	CompletedFromBase int
	CompletedWithAI   int
	Unresolved        int
	AICalls           int
	Written           int
	Errors            int
}

// Improved is the number of records completed in pass 2.
func (r Result) Improved() int {
	return r.CompletedFromBase + r.CompletedWithAI
}

// Details converts the counters to the operation result payload.
func (r Result) Details() *operation.LocationDetails {
	return &operation.LocationDetails{
		KnowledgeBase:       r.KnowledgeBase,
		KnowledgeConflicts:  r.Conflicts,
		UsedAI:              r.UsedAI,
		UsedFallback:        r.UsedFallback,
		Updated:             r.Updated,
		CompletedFromBase:   r.CompletedFromBase,
		CompletedWithAI:     r.CompletedWithAI,
		Improved:            r.Improved(),
		Unresolved:          r.Unresolved,
		PercentFromBase:     operation.Percent(r.CompletedFromBase, r.ProcessCount),
		PercentWithAI:       operation.Percent(r.CompletedWithAI, r.ProcessCount),
		PercentImproved:     operation.Percent(r.Improved(), r.ProcessCount),
		PercentAIResolution: operation.Percent(r.UsedAI, r.ProcessCount),
		AICalls:             r.AICalls,
	}
}

// Engine runs the two-pass location resolution.
type Engine struct {
	inf    Inferrer
	gaz    *Gazetteer
	cfg    EngineConfig
	logger *zap.Logger
}

// NewEngine constructs an Engine. gaz may be nil to disable the heuristic
// phase and validation.
func NewEngine(inf Inferrer, gaz *Gazetteer, cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Fatal == nil {
		cfg.Fatal = func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &Engine{inf: inf, gaz: gaz, cfg: cfg, logger: logger}
}

type target struct {
	rec      enrich.Record
	original Location
	stored   Location
	loc      Location
}

type run struct {
	*Engine
	hooks   Hooks
	kb      *KnowledgeBase
	res     Result
	done    int
	total   int
	written map[string]bool
}

// Run resolves records. Records whose district is already known go straight
// to pass 2 so the knowledge base, not the AI, completes them. Resolved
// locations are written as soon as they are found; a fatal error returns the
// counters reached so far.
func (e *Engine) Run(ctx context.Context, records []enrich.Record, hooks Hooks) (Result, error) {
	if hooks.Write == nil {
		return Result{}, ErrNoWriter
	}
	r := &run{Engine: e, hooks: hooks, kb: NewKnowledgeBase(), written: make(map[string]bool)}

	var pass1, pass2 []*target
	for _, rec := range records {
		loc := FromRecord(rec)
		if loc.Complete() {
			continue
		}
		t := &target{rec: rec, original: loc, stored: loc, loc: loc}
		if loc.District != "" {
			pass2 = append(pass2, t)
		} else {
			pass1 = append(pass1, t)
		}
	}
	r.res.ProcessCount = len(pass1) + len(pass2)
	r.total = r.res.ProcessCount

	var leftovers []*target
	for _, t := range pass1 {
		if err := ctx.Err(); err != nil {
			return r.finish(pass1, pass2), err
		}
		if err := r.resolve(ctx, t); err != nil {
			return r.finish(pass1, pass2), err
		}
		if !t.loc.Empty() && !t.loc.Complete() {
			leftovers = append(leftovers, t)
		}
	}

	r.total += len(leftovers)
	pass2 = append(pass2, leftovers...)
	for _, t := range pass2 {
		if err := ctx.Err(); err != nil {
			return r.finish(pass1, pass2), err
		}
		if err := r.complete(ctx, t); err != nil {
			return r.finish(pass1, pass2), err
		}
	}
	return r.finish(pass1, pass2), nil
}

func (r *run) finish(groups ...[]*target) Result {
	seen := make(map[*target]bool)
	r.res.Unresolved = 0
	for _, g := range groups {
		for _, t := range g {
			if seen[t] {
				continue
			}
			seen[t] = true
			if !t.loc.Complete() {
				r.res.Unresolved++
			}
		}
	}
	r.res.KnowledgeBase = r.kb.Size()
	r.res.Conflicts = r.kb.Conflicts()
	return r.res
}

// resolve is pass 1: entity, then description, then the name heuristic.
func (r *run) resolve(ctx context.Context, t *target) error {
	phases := []struct {
		name  string
		skip  bool
		infer func(context.Context, enrich.Record) (Resolution, bool, error)
	}{
		{"entity", strings.TrimSpace(t.rec.Entity) == "", r.inf.FromEntity},
		{"description", strings.TrimSpace(t.rec.Description) == "", r.inf.FromDescription},
	}
	var unitErr bool
	for _, phase := range phases {
		if phase.skip {
			continue
		}
		r.res.AICalls++
		res, ok, err := phase.infer(ctx, t.rec)
		if err != nil {
			if r.cfg.Fatal(err) {
				return fmt.Errorf("infer location of %s from %s: %w", t.rec.Code, phase.name, err)
			}
			r.logger.Warn("location inference failed", zap.String("record", t.rec.ID), zap.String("phase", phase.name), zap.Error(err))
			unitErr = true
			continue
		}
		if !ok {
			continue
		}
		accepted, ok := r.accept(t.loc, res)
		if !ok {
			continue
		}
		t.loc = accepted.Location
		r.res.UsedAI++
		if !t.original.Empty() {
			r.res.Updated++
		}
		if accepted.Source.Trusted() {
			r.kb.Record(t.loc, accepted.Source)
		}
		return r.settle(ctx, t, unitErr, fmt.Sprintf("pass 1: %s resolved from %s (%s)", t.rec.Code, phase.name, accepted.Source))
	}

	if r.gaz != nil {
		if guess, ok := r.gaz.MatchEntity(t.rec.Entity); ok {
			if accepted, ok := r.accept(t.loc, Resolution{Location: guess, Source: SourceHeuristic}); ok {
				t.loc = accepted.Location
				r.res.UsedFallback++
				if !t.original.Empty() {
					r.res.Updated++
				}
				return r.settle(ctx, t, unitErr, fmt.Sprintf("pass 1: %s matched by entity name", t.rec.Code))
			}
		}
	}
	return r.settle(ctx, t, unitErr, fmt.Sprintf("pass 1: %s unresolved", t.rec.Code))
}

// complete is pass 2: knowledge base first, then optionally the AI for the
// missing levels only.
func (r *run) complete(ctx context.Context, t *target) error {
	if t.loc.District != "" {
		if known, ok := r.kb.Lookup(t.loc.District); ok && t.loc.Agrees(known) {
			if filled := t.loc.Fill(known); filled != t.loc {
				t.loc = filled
				r.res.CompletedFromBase++
				return r.settle(ctx, t, false, fmt.Sprintf("pass 2: %s completed from knowledge base", t.rec.Code))
			}
		}
	}
	if !r.cfg.Pass2AI {
		return r.settle(ctx, t, false, fmt.Sprintf("pass 2: %s left partial", t.rec.Code))
	}

	r.res.AICalls++
	loc, ok, err := r.inf.MissingLevels(ctx, t.rec, t.loc)
	if err != nil {
		if r.cfg.Fatal(err) {
			return fmt.Errorf("complete location of %s: %w", t.rec.Code, err)
		}
		r.logger.Warn("location completion failed", zap.String("record", t.rec.ID), zap.Error(err))
		return r.settle(ctx, t, true, fmt.Sprintf("pass 2: %s completion failed", t.rec.Code))
	}
	if ok {
		if accepted, ok := r.accept(t.loc, Resolution{Location: loc, Source: SourceAILow}); ok {
			t.loc = accepted.Location
			if t.loc.Complete() {
				r.res.CompletedWithAI++
			}
			return r.settle(ctx, t, false, fmt.Sprintf("pass 2: %s completed by AI", t.rec.Code))
		}
	}
	return r.settle(ctx, t, false, fmt.Sprintf("pass 2: %s left partial", t.rec.Code))
}

// accept merges a candidate into the current location. Known levels are
// never overwritten; a candidate that contradicts them or adds nothing is
// rejected. Candidates matching the gazetteer are canonicalized, and
// district-level matches are upgraded to validated.
func (r *run) accept(current Location, cand Resolution) (Resolution, bool) {
	if cand.Location.Empty() || !current.Agrees(cand.Location) {
		return Resolution{}, false
	}
	merged := current.Fill(cand.Location)
	if merged == current {
		return Resolution{}, false
	}
	out := Resolution{Location: merged, Source: cand.Source}
	if r.gaz != nil {
		if canon, ok := r.gaz.Validate(merged); ok {
			out.Location = canon
			if canon.District != "" && cand.Source == SourceAILow {
				out.Source = SourceValidated
			}
		}
	}
	return out, true
}

// settle writes a changed location and reports the step.
func (r *run) settle(ctx context.Context, t *target, unitErr bool, message string) error {
	var delta enrich.Counts
	if unitErr {
		delta.Errors++
	}
	if t.loc != t.stored {
		if err := r.hooks.Write(ctx, t.rec, t.loc); err != nil {
			if r.cfg.Fatal(err) {
				return fmt.Errorf("write location of %s: %w", t.rec.Code, err)
			}
			r.logger.Warn("location write failed", zap.String("record", t.rec.ID), zap.Error(err))
			delta.Errors++
		} else {
			t.stored = t.loc
			if !r.written[t.rec.ID] {
				r.written[t.rec.ID] = true
				r.res.Written++
				delta.Updated++
			}
			t.rec.Department, t.rec.Province, t.rec.District = t.loc.Department, t.loc.Province, t.loc.District
		}
	}
	r.res.Errors += int(delta.Errors)
	r.done++
	if r.hooks.Progress != nil {
		if err := r.hooks.Progress(Step{Done: r.done, Total: r.total, Message: message, Delta: delta}); err != nil {
			return fmt.Errorf("report location progress: %w", err)
		}
	}
	return nil
}
