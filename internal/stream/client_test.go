package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode: %v", err)
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) record(evt progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *eventRecorder) types() []progress.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Type, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

func TestClientFollowsToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.running(t, 2)
	client := NewClient(ClientConfig{BaseURL: f.server.URL, Backoff: time.Millisecond})

	rec := &eventRecorder{}
	type outcome struct {
		op  operation.Operation
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		op, err := client.Follow(context.Background(), id, rec.record)
		done <- outcome{op, err}
	}()

	require.Eventually(t, func() bool { return f.broadcaster.Subscribers(id) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err := f.registry.ReportProgress(id, operation.Progress{Step: 1, Message: "one"})
	require.NoError(t, err)
	_, err = f.registry.Complete(id, categorizeDetails())
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, operation.StatusCompleted, res.op.Status)
	require.NotNil(t, res.op.Details)
	require.Equal(t, 2, res.op.Details.Categorize.Distribution[enrich.CategoryService])

	types := rec.types()
	require.Equal(t, progress.TypeProgressUpdate, types[0], "the HTTP snapshot comes first")
	require.Equal(t, progress.TypeSessionComplete, types[len(types)-1])
}

func TestClientReturnsFinishedSnapshotWithoutDialing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.running(t, 1)
	_, err := f.registry.Complete(id, categorizeDetails())
	require.NoError(t, err)

	rec := &eventRecorder{}
	op, err := NewClient(ClientConfig{BaseURL: f.server.URL}).Follow(context.Background(), id, rec.record)
	require.NoError(t, err)
	require.Equal(t, operation.StatusCompleted, op.Status)
	require.Equal(t, []progress.Type{progress.TypeSessionComplete}, rec.types())
	require.Zero(t, f.broadcaster.Subscribers(id))
}

func TestClientReconnectsAndResynchronises(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	running := operation.Operation{ID: "op-1", Kind: enrich.KindScrape, Status: operation.StatusRunning, StepTotal: 4, StepCurrent: 1, Percentage: 25}
	upgrader := websocket.Upgrader{}

	r := chi.NewRouter()
	r.Get("/operations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		snap := running
		if conns.Load() >= 2 {
			snap.Status = operation.StatusCompleted
			snap.Percentage = 100
			snap.StepCurrent = 4
			snap.Details = &operation.Details{Kind: enrich.KindScrape, Scrape: &operation.ScrapeDetails{PagesVisited: 4}}
		}
		writeJSON(t, w, snap)
	})
	r.Get("/operations/{id}/stream", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		now := time.Now().UTC()
		_ = conn.WriteJSON(progress.Event{Type: progress.TypeConnectionEstablished, OperationID: "op-1", TS: now})
		_ = conn.WriteJSON(operation.SnapshotEvent(running, now))
		if n == 1 {
			return
		}
		_ = conn.WriteJSON(progress.Event{Type: progress.TypeSessionComplete, OperationID: "op-1", TS: now, Percentage: 100})
		_, _, _ = conn.ReadMessage()
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	rec := &eventRecorder{}
	client := NewClient(ClientConfig{BaseURL: srv.URL, Backoff: time.Millisecond, MaxAttempts: 3})
	op, err := client.Follow(context.Background(), "op-1", rec.record)
	require.NoError(t, err)
	require.EqualValues(t, 2, conns.Load())
	require.Equal(t, operation.StatusCompleted, op.Status)
	require.Equal(t, 4, op.Details.Scrape.PagesVisited)

	snapshots := 0
	for _, typ := range rec.types() {
		if typ == progress.TypeProgressUpdate {
			snapshots++
		}
	}
	require.Equal(t, 4, snapshots, "each connect re-reads the snapshot over HTTP and the stream")
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	r := chi.NewRouter()
	r.Get("/operations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, operation.Operation{ID: "op-1", Kind: enrich.KindScrape, Status: operation.StatusRunning})
	})
	r.Get("/operations/{id}/stream", func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{BaseURL: srv.URL, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 3})
	_, err := client.Follow(context.Background(), "op-1", (&eventRecorder{}).record)
	require.ErrorIs(t, err, ErrReconnectExhausted)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.EqualValues(t, 4, dials.Load())
}

func TestClientUnknownOperation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := NewClient(ClientConfig{BaseURL: f.server.URL}).Follow(context.Background(), "missing", (&eventRecorder{}).record)
	require.ErrorIs(t, err, operation.ErrNotFound)
}

func TestClientBackoffIsBounded(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{Backoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	require.Equal(t, 10*time.Millisecond, c.backoff(1))
	require.Equal(t, 20*time.Millisecond, c.backoff(2))
	require.Equal(t, 40*time.Millisecond, c.backoff(3))
	require.Equal(t, 50*time.Millisecond, c.backoff(4))
	require.Equal(t, 50*time.Millisecond, c.backoff(64))
}
