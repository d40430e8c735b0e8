package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/ai"
	"github.com/JakeFAU/procurement-enricher/internal/config"
	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/dispatcher"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
	queueMemory "github.com/JakeFAU/procurement-enricher/internal/queue/memory"
	"github.com/JakeFAU/procurement-enricher/internal/storage/memory"
	"github.com/JakeFAU/procurement-enricher/internal/stream"
	"github.com/JakeFAU/procurement-enricher/internal/worker"
)

type keywordGenerator struct{}

func (keywordGenerator) Generate(_ context.Context, _, prompt string) (string, error) {
	if strings.Contains(prompt, "puente") {
		return "Obra", nil
	}
	return "Servicio", nil
}

// TestCategorizeOverHTTP drives a categorize job through the public surface:
// POST, websocket follow, and the final snapshot.
func TestCategorizeOverHTTP(t *testing.T) {
	t.Parallel()

	broadcaster := progress.NewBroadcaster(32, nil)
	hub := progress.NewHub(progress.Config{MaxBatchEvents: 1}, broadcaster)
	registry := operation.NewRegistry(operation.Config{Emitter: hub})
	pool := credential.NewPool(credential.Config{})
	_, err := pool.Add(credential.Spec{Alias: "K1", Secret: "secret-k1-0001"})
	require.NoError(t, err)

	records := memory.NewRecordStore()
	records.Seed(
		enrich.Record{Code: "A", Description: "Servicio de limpieza"},
		enrich.Record{Code: "B", Description: "Servicio de vigilancia"},
		enrich.Record{Code: "C", Description: "Construcción de puente"},
	)
	caller := ai.NewCaller(pool, keywordGenerator{}, ai.CallerConfig{})
	queue := queueMemory.NewQueue(4)
	w := worker.New(queue, registry, []worker.Job{worker.NewCategorizer(records, caller, 0)}, nil, nil)
	disp := dispatcher.New(queue, []*worker.Worker{w})

	srv := NewServer(Deps{
		Operations:  registry,
		Queue:       disp,
		Credentials: pool,
		Stream:      stream.NewHandler(registry, broadcaster, stream.HandlerConfig{}),
	}, config.ServerConfig{})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		disp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		queue.Close()
		<-done
		require.NoError(t, hub.Close(context.Background()))
	})

	resp, err := http.Post(httpSrv.URL+"/operations/categorize", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created createResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	client := stream.NewClient(stream.ClientConfig{BaseURL: httpSrv.URL, Backoff: 5 * time.Millisecond})
	followCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	var last progress.Event
	op, err := client.Follow(followCtx, created.OperationID, func(evt progress.Event) error {
		last = evt
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, progress.TypeSessionComplete, last.Type)

	require.Equal(t, operation.StatusCompleted, op.Status)
	require.Equal(t, 100, op.Percentage)
	require.Equal(t, "K1", op.CredentialAlias)
	require.Equal(t, enrich.Counts{Updated: 3}, op.Counts)
	require.Equal(t, map[enrich.Category]int{enrich.CategoryService: 2, enrich.CategoryWorks: 1}, op.Details.Categorize.Distribution)

	decision, err := stream.Reconcile(context.Background(), stream.HTTPFetcher{BaseURL: httpSrv.URL}, created.OperationID)
	require.NoError(t, err)
	require.Equal(t, stream.ActionDiscard, decision.Action)

	views := pool.List()
	require.EqualValues(t, 3, views[0].UsageByKind[enrich.KindCategorize])
}
