package location

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

type fakeInferrer struct {
	mu          sync.Mutex
	entity      map[string]Resolution
	description map[string]Resolution
	missing     map[string]Location
	errs        map[string]error
	calls       map[string]int
}

func newFakeInferrer() *fakeInferrer {
	return &fakeInferrer{
		entity:      map[string]Resolution{},
		description: map[string]Resolution{},
		missing:     map[string]Location{},
		errs:        map[string]error{},
		calls:       map[string]int{},
	}
}

func (f *fakeInferrer) lookup(rec enrich.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rec.ID]++
	return f.errs[rec.ID]
}

func (f *fakeInferrer) FromEntity(_ context.Context, rec enrich.Record) (Resolution, bool, error) {
	if err := f.lookup(rec); err != nil {
		return Resolution{}, false, err
	}
	res, ok := f.entity[rec.ID]
	return res, ok, nil
}

func (f *fakeInferrer) FromDescription(_ context.Context, rec enrich.Record) (Resolution, bool, error) {
	if err := f.lookup(rec); err != nil {
		return Resolution{}, false, err
	}
	res, ok := f.description[rec.ID]
	return res, ok, nil
}

func (f *fakeInferrer) MissingLevels(_ context.Context, rec enrich.Record, _ Location) (Location, bool, error) {
	if err := f.lookup(rec); err != nil {
		return Location{}, false, err
	}
	loc, ok := f.missing[rec.ID]
	return loc, ok, nil
}

func (f *fakeInferrer) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type writeLog struct {
	mu     sync.Mutex
	writes map[string]Location
	fail   map[string]error
}

func (w *writeLog) hooks(steps *[]Step) Hooks {
	return Hooks{
		Write: func(_ context.Context, rec enrich.Record, loc Location) error {
			w.mu.Lock()
			defer w.mu.Unlock()
			if err := w.fail[rec.ID]; err != nil {
				return err
			}
			if w.writes == nil {
				w.writes = map[string]Location{}
			}
			w.writes[rec.ID] = loc
			return nil
		},
		Progress: func(s Step) error {
			if steps != nil {
				*steps = append(*steps, s)
			}
			return nil
		},
	}
}

var socabaya = Location{Department: "Arequipa", Province: "Arequipa", District: "Socabaya"}

// TestPassTwoUsesKnowledgeBaseWithoutAI covers the non-duplication property:
// a district resolved in pass 1 completes later records for free.
func TestPassTwoUsesKnowledgeBaseWithoutAI(t *testing.T) {
	t.Parallel()

	inf := newFakeInferrer()
	inf.entity["r1"] = Resolution{Location: socabaya, Source: SourceAIHigh}
	records := []enrich.Record{
		{ID: "r2", Code: "B", Entity: "CONSORCIO SUR", District: "Socabaya", Province: "Por Determinar", Department: "No especificado"},
		{ID: "r1", Code: "A", Entity: "MUNICIPALIDAD DISTRITAL DE SOCABAYA", Department: "Por Determinar"},
	}

	var steps []Step
	w := &writeLog{}
	res, err := NewEngine(inf, mustGazetteer(t), EngineConfig{Pass2AI: true}).Run(context.Background(), records, w.hooks(&steps))
	require.NoError(t, err)

	require.Zero(t, inf.callsFor("r2"), "pass 2 must not call the AI for a known district")
	require.Equal(t, 1, inf.callsFor("r1"))
	require.Equal(t, 1, res.AICalls)
	require.Equal(t, 1, res.CompletedFromBase)
	require.Zero(t, res.CompletedWithAI)
	require.Equal(t, 1, res.Improved())
	require.Equal(t, 1, res.UsedAI)
	require.Equal(t, 1, res.KnowledgeBase)
	require.Equal(t, 2, res.ProcessCount)
	require.Zero(t, res.Unresolved)
	require.Equal(t, socabaya, w.writes["r1"])
	require.Equal(t, socabaya, w.writes["r2"])

	d := res.Details()
	require.Equal(t, 50, d.PercentFromBase)
	require.Equal(t, 50, d.PercentAIResolution)
	require.Equal(t, 50, d.PercentImproved)

	require.Len(t, steps, 2)
	require.Equal(t, 2, steps[1].Done)
	require.Equal(t, 2, steps[1].Total)
}

func TestPhasesShortCircuitInOrder(t *testing.T) {
	t.Parallel()

	inf := newFakeInferrer()
	inf.description["desc"] = Resolution{Location: Location{Department: "Cusco", Province: "Urubamba", District: "Ollantaytambo"}, Source: SourceAILow}
	records := []enrich.Record{
		{ID: "desc", Code: "D", Entity: "PROVIAS DESCENTRALIZADO", Description: "Mejoramiento del camino vecinal en Ollantaytambo"},
		{ID: "heur", Code: "H", Entity: "MUNICIPALIDAD DISTRITAL DE CAYMA"},
		{ID: "none", Code: "N", Entity: "SEGURO SOCIAL DE SALUD"},
		{ID: "done", Code: "X", Department: "Lima", Province: "Lima", District: "Lince"},
	}

	w := &writeLog{}
	res, err := NewEngine(inf, mustGazetteer(t), EngineConfig{}).Run(context.Background(), records, w.hooks(nil))
	require.NoError(t, err)

	require.Equal(t, 3, res.ProcessCount, "complete records are not targets")
	require.Equal(t, 1, res.UsedAI)
	require.Equal(t, 1, res.UsedFallback)
	require.Equal(t, 1, res.Unresolved)
	require.Equal(t, 4, res.AICalls, "entity and description for desc, entity for heur and none")
	require.Equal(t, 1, res.KnowledgeBase, "only the validated AI answer seeds the knowledge base")
	require.Equal(t, Location{Department: "Arequipa", Province: "Arequipa", District: "Cayma"}, w.writes["heur"])
	require.NotContains(t, w.writes, "none")
	require.NotContains(t, w.writes, "done")
}

func TestHeuristicResultsDoNotSeedKnowledgeBase(t *testing.T) {
	t.Parallel()

	inf := newFakeInferrer()
	records := []enrich.Record{
		{ID: "a", Code: "A", Entity: "MUNICIPALIDAD DISTRITAL DE YURA"},
		{ID: "b", Code: "B", Entity: "X", District: "Yura"},
	}
	w := &writeLog{}
	res, err := NewEngine(inf, mustGazetteer(t), EngineConfig{}).Run(context.Background(), records, w.hooks(nil))
	require.NoError(t, err)
	require.Zero(t, res.KnowledgeBase)
	require.Zero(t, res.CompletedFromBase)
	require.Equal(t, 1, res.Unresolved)
}

func TestUpdatedCountsPartiallyKnownRecords(t *testing.T) {
	t.Parallel()

	inf := newFakeInferrer()
	inf.entity["p"] = Resolution{Location: Location{Department: "Puno", Province: "San Román", District: "Juliaca"}, Source: SourceAIHigh}
	inf.entity["c"] = Resolution{Location: Location{Department: "Cusco", Province: "Cusco", District: "Wanchaq"}, Source: SourceAIHigh}
	records := []enrich.Record{
		{ID: "p", Code: "P", Entity: "E", Department: "Puno", Province: "N/A"},
		{ID: "c", Code: "C", Entity: "E", Department: "Puno"},
	}
	w := &writeLog{}
	res, err := NewEngine(inf, nil, EngineConfig{}).Run(context.Background(), records, w.hooks(nil))
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.UsedAI)
	require.Equal(t, 1, res.Unresolved, "contradicting answer is rejected")
}

func TestPassTwoAIAsksOnlyForUnknownDistricts(t *testing.T) {
	t.Parallel()

	inf := newFakeInferrer()
	inf.missing["m"] = Location{Department: "Piura", Province: "Talara"}
	records := []enrich.Record{{ID: "m", Code: "M", Entity: "E", District: "Máncora"}}

	w := &writeLog{}
	res, err := NewEngine(inf, mustGazetteer(t), EngineConfig{Pass2AI: true}).Run(context.Background(), records, w.hooks(nil))
	require.NoError(t, err)
	require.Equal(t, 1, res.CompletedWithAI)
	require.Equal(t, 1, res.AICalls)
	require.Equal(t, Location{Department: "Piura", Province: "Talara", District: "Máncora"}, w.writes["m"])

	inf2 := newFakeInferrer()
	res, err = NewEngine(inf2, nil, EngineConfig{}).Run(context.Background(), records, (&writeLog{}).hooks(nil))
	require.NoError(t, err)
	require.Zero(t, res.AICalls)
	require.Equal(t, 1, res.Unresolved)
}

func TestUnitErrorsAreCountedAndFatalErrorsAbort(t *testing.T) {
	t.Parallel()

	inf := newFakeInferrer()
	inf.errs["bad"] = errors.New("model returned garbage")
	inf.entity["ok"] = Resolution{Location: socabaya, Source: SourceAIHigh}
	records := []enrich.Record{
		{ID: "bad", Code: "B", Entity: "E", Description: "D"},
		{ID: "ok", Code: "O", Entity: "E"},
	}
	var steps []Step
	res, err := NewEngine(inf, nil, EngineConfig{}).Run(context.Background(), records, (&writeLog{}).hooks(&steps))
	require.NoError(t, err)
	require.Equal(t, 1, res.Errors)
	require.Equal(t, int64(1), steps[0].Delta.Errors)
	require.Equal(t, int64(1), steps[1].Delta.Updated)

	fatal := errors.New("pool exhausted")
	inf.errs["bad"] = fatal
	eng := NewEngine(inf, nil, EngineConfig{Fatal: func(err error) bool { return errors.Is(err, fatal) }})
	_, err = eng.Run(context.Background(), records, (&writeLog{}).hooks(nil))
	require.ErrorIs(t, err, fatal)
}

func TestWriteFailureCountsAsUnitError(t *testing.T) {
	t.Parallel()

	inf := newFakeInferrer()
	inf.entity["r"] = Resolution{Location: socabaya, Source: SourceAIHigh}
	w := &writeLog{fail: map[string]error{"r": errors.New("db down")}}
	res, err := NewEngine(inf, nil, EngineConfig{}).Run(context.Background(), []enrich.Record{{ID: "r", Code: "R", Entity: "E"}}, w.hooks(nil))
	require.NoError(t, err)
	require.Equal(t, 1, res.Errors)
	require.Zero(t, res.Written)
}

func TestEmptyBatchHasZeroPercentages(t *testing.T) {
	t.Parallel()

	res, err := NewEngine(newFakeInferrer(), nil, EngineConfig{}).Run(context.Background(), nil, (&writeLog{}).hooks(nil))
	require.NoError(t, err)
	require.Zero(t, res.ProcessCount)
	d := res.Details()
	require.Zero(t, d.PercentFromBase)
	require.Zero(t, d.PercentWithAI)
	require.Zero(t, d.PercentImproved)
	require.Zero(t, d.PercentAIResolution)
}

func TestRunRequiresWriter(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(newFakeInferrer(), nil, EngineConfig{}).Run(context.Background(), nil, Hooks{})
	require.ErrorIs(t, err, ErrNoWriter)
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(newFakeInferrer(), nil, EngineConfig{}).Run(ctx, []enrich.Record{{ID: "r", Entity: "E"}}, (&writeLog{}).hooks(nil))
	require.ErrorIs(t, err, context.Canceled)
}
