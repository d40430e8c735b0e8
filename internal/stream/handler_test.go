package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

type fixture struct {
	registry    *operation.Registry
	broadcaster *progress.Broadcaster
	server      *httptest.Server
}

// newFixture serves the stream handler and the snapshot endpoint the way the
// API mounts them, backed by a real registry and broadcaster.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := progress.NewBroadcaster(16, nil)
	hub := progress.NewHub(progress.Config{MaxBatchEvents: 1}, b)
	reg := operation.NewRegistry(operation.Config{Emitter: hub})

	r := chi.NewRouter()
	r.Get("/operations/{id}/stream", NewHandler(reg, b, HandlerConfig{PingInterval: 50 * time.Millisecond}).ServeHTTP)
	r.Get("/operations/{id}", func(w http.ResponseWriter, req *http.Request) {
		op, err := reg.Get(chi.URLParam(req, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(t, w, op)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, hub.Close(context.Background()))
	})
	return &fixture{registry: reg, broadcaster: b, server: srv}
}

func (f *fixture) running(t *testing.T, total int) string {
	t.Helper()
	id, err := f.registry.Create(enrich.KindCategorize, nil)
	require.NoError(t, err)
	_, err = f.registry.Start(id, total)
	require.NoError(t, err)
	return id
}

func (f *fixture) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/operations/" + id + "/stream"
}

func readEvent(t *testing.T, conn *websocket.Conn) progress.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt progress.Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func categorizeDetails() operation.Details {
	return operation.Details{Categorize: &operation.CategorizeDetails{
		Distribution: map[enrich.Category]int{enrich.CategoryService: 2},
	}}
}

func TestStreamRelaysEventsUntilTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.running(t, 2)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(id), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEvent(t, conn)
	require.Equal(t, progress.TypeConnectionEstablished, hello.Type)
	require.Equal(t, id, hello.OperationID)
	require.Equal(t, "running", hello.Status)

	snap := readEvent(t, conn)
	require.Equal(t, progress.TypeProgressUpdate, snap.Type)
	require.Equal(t, 2, snap.Total)

	_, err = f.registry.ReportProgress(id, operation.Progress{Step: 1, Message: "half way"})
	require.NoError(t, err)
	_, err = f.registry.Complete(id, categorizeDetails())
	require.NoError(t, err)

	var seen []progress.Type
	for {
		evt := readEvent(t, conn)
		seen = append(seen, evt.Type)
		if evt.Terminal() {
			require.Equal(t, 100, evt.Percentage)
			break
		}
	}
	require.Equal(t, []progress.Type{progress.TypeProgressUpdate, progress.TypeSessionComplete}, seen)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStreamOfFinishedOperationSendsSnapshotAndCloses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.running(t, 1)
	_, err := f.registry.Fail(id, operation.Failure{Message: "boom", Remediation: "retry later"})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(id), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, progress.TypeConnectionEstablished, readEvent(t, conn).Type)
	final := readEvent(t, conn)
	require.Equal(t, progress.TypeSessionError, final.Type)
	require.Equal(t, "boom", final.Error)
	require.Equal(t, "retry later", final.Remediation)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	require.Eventually(t, func() bool { return f.broadcaster.Subscribers(id) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamUnknownOperationIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("missing"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamReleasesSubscriberWhenClientLeaves(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.running(t, 3)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(id), nil)
	require.NoError(t, err)
	readEvent(t, conn)
	readEvent(t, conn)
	require.Equal(t, 1, f.broadcaster.Subscribers(id))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.broadcaster.Subscribers(id) == 0 }, 2*time.Second, 10*time.Millisecond)

	op, err := f.registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, operation.StatusRunning, op.Status, "leaving the stream never cancels the operation")
}
