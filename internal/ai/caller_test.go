package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// scriptedGenerator answers per secret with a queue of results.
type scriptedGenerator struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
	reply   string
}

func newScriptedGenerator(reply string) *scriptedGenerator {
	return &scriptedGenerator{scripts: make(map[string][]error), calls: make(map[string]int), reply: reply}
}

func (g *scriptedGenerator) script(secret string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[secret] = append(g.scripts[secret], errs...)
}

func (g *scriptedGenerator) Generate(_ context.Context, secret, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[secret]++
	queue := g.scripts[secret]
	if len(queue) == 0 {
		return g.reply, nil
	}
	g.scripts[secret] = queue[1:]
	if queue[0] == nil {
		return g.reply, nil
	}
	return "", queue[0]
}

func (g *scriptedGenerator) Calls(secret string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[secret]
}

func newPool(t *testing.T, aliases ...string) *credential.Pool {
	t.Helper()
	pool := credential.NewPool(credential.Config{})
	for _, alias := range aliases {
		_, err := pool.Add(credential.Spec{Alias: alias, Secret: "key-" + alias})
		require.NoError(t, err)
	}
	return pool
}

func fastRetry() RetryPolicy {
	return NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
}

func quota() error {
	return &QuotaError{ResetAt: time.Now().Add(time.Hour), Err: errors.New("429")}
}

func TestCallerSuccessReportsUsage(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1", "K2")
	gen := newScriptedGenerator("Servicio")
	caller := NewCaller(pool, gen, CallerConfig{Retry: fastRetry()})

	var seen []string
	res, err := caller.Call(context.Background(), enrich.KindCategorize, "prompt", func(alias string) {
		seen = append(seen, alias)
	})
	require.NoError(t, err)
	require.Equal(t, "Servicio", res.Text)
	require.Equal(t, "K1", res.CredentialAlias)
	require.Equal(t, []string{"K1"}, seen)

	views := pool.List()
	require.EqualValues(t, 1, views[0].UsageCount)
	require.EqualValues(t, 1, views[0].UsageByKind[enrich.KindCategorize])
	require.Zero(t, views[0].InFlight)
}

func TestCallerFailsOverOnQuota(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1", "K2")
	gen := newScriptedGenerator("Obra")
	gen.script("key-K1", quota())
	caller := NewCaller(pool, gen, CallerConfig{Retry: fastRetry()})

	var seen []string
	res, err := caller.Call(context.Background(), enrich.KindCategorize, "prompt", func(alias string) {
		seen = append(seen, alias)
	})
	require.NoError(t, err)
	require.Equal(t, "K2", res.CredentialAlias)
	require.Equal(t, 1, res.Failovers)
	require.Equal(t, []string{"K1", "K2"}, seen)
	require.Equal(t, 1, gen.Calls("key-K1"), "quota errors are not retried on the same credential")

	views := pool.List()
	require.True(t, views[0].QuotaExceeded)
	require.NotNil(t, views[0].QuotaResetAt)
	require.EqualValues(t, 1, views[1].UsageCount)
}

func TestCallerFailsOverOnQuotaWithoutResetTime(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1", "K2")
	gen := newScriptedGenerator("Bien")
	gen.script("key-K1", &QuotaError{Err: errors.New("429")})
	caller := NewCaller(pool, gen, CallerConfig{Retry: fastRetry()})

	res, err := caller.Call(context.Background(), enrich.KindCategorize, "prompt", nil)
	require.NoError(t, err)
	require.Equal(t, "K2", res.CredentialAlias)
	require.Equal(t, 1, res.Failovers)
	require.Equal(t, 1, gen.Calls("key-K1"))
	require.Equal(t, 1, gen.Calls("key-K2"))

	views := pool.List()
	require.True(t, views[0].QuotaExceeded)
	require.NotNil(t, views[0].QuotaResetAt)
	require.True(t, views[0].QuotaResetAt.After(time.Now()))
}

func TestCallerExhaustsPool(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1", "K2")
	gen := newScriptedGenerator("x")
	gen.script("key-K1", quota())
	gen.script("key-K2", quota())
	caller := NewCaller(pool, gen, CallerConfig{Retry: fastRetry(), MaxFailovers: 5})

	_, err := caller.Call(context.Background(), enrich.KindInferLocation, "prompt", nil)
	require.ErrorIs(t, err, credential.ErrNoCredentialAvailable)
	require.True(t, IsFatal(err))
}

func TestCallerBoundsFailovers(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1", "K2", "K3")
	gen := newScriptedGenerator("x")
	gen.script("key-K1", quota())
	gen.script("key-K2", quota())
	caller := NewCaller(pool, gen, CallerConfig{Retry: fastRetry(), MaxFailovers: 2})

	_, err := caller.Call(context.Background(), enrich.KindCategorize, "prompt", nil)
	require.ErrorIs(t, err, ErrFailoversExhausted)
	require.True(t, IsFatal(err))
	require.Zero(t, gen.Calls("key-K3"))
}

func TestCallerRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1")
	gen := newScriptedGenerator("Bien")
	gen.script("key-K1", &TransientError{Err: errors.New("503")}, &TransientError{Err: errors.New("503")})
	caller := NewCaller(pool, gen, CallerConfig{Retry: fastRetry()})

	res, err := caller.Call(context.Background(), enrich.KindCategorize, "prompt", nil)
	require.NoError(t, err)
	require.Equal(t, "Bien", res.Text)
	require.Equal(t, 3, gen.Calls("key-K1"))
}

func TestCallerUnitFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1", "K2")
	gen := newScriptedGenerator("x")
	transient := &TransientError{Err: errors.New("503")}
	gen.script("key-K1", transient, transient, transient)
	caller := NewCaller(pool, gen, CallerConfig{Retry: fastRetry()})

	_, err := caller.Call(context.Background(), enrich.KindCategorize, "prompt", nil)
	require.Error(t, err)
	require.False(t, IsFatal(err))
	require.Zero(t, gen.Calls("key-K2"), "non-quota errors do not fail over")

	view := pool.List()[0]
	require.EqualValues(t, 1, view.ErrorCount)
	require.True(t, view.Active)
}

func TestCallerHonoursCancellation(t *testing.T) {
	t.Parallel()

	pool := newPool(t, "K1")
	gen := newScriptedGenerator("x")
	caller := NewCaller(pool, gen, CallerConfig{RPS: 0.001, Burst: 1})
	_, err := caller.Call(context.Background(), enrich.KindCategorize, "first", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = caller.Call(ctx, enrich.KindCategorize, "second", nil)
	require.Error(t, err)
	require.True(t, IsFatal(err))
}
