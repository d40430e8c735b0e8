package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(TypeSessionStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeSessionStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts non-terminal events never block callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:     Config{},
		events:  make(chan Event),
		logger:  zap.NewNop(),
		dropped: newDropCounters(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(TypeSessionStart))
	hub.Emit(sampleEvent(TypeProgressUpdate))
	hub.Emit(sampleEvent(TypeProgressUpdate))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	// The first drop is logged and reset; later ones wait for the next warning.
	require.EqualValues(t, 2, hub.Dropped())
	require.EqualValues(t, 2, hub.dropped[TypeProgressUpdate].Load())
}

// TestHubTerminalEventWaitsForRoom checks a full buffer delays a terminal
// event instead of dropping it.
func TestHubTerminalEventWaitsForRoom(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:     Config{TerminalWait: time.Second},
		events:  make(chan Event),
		stopCh:  make(chan struct{}),
		logger:  zap.NewNop(),
		dropped: newDropCounters(),
	}
	received := make(chan Event, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		received <- <-hub.events
	}()

	hub.Emit(sampleEvent(TypeSessionComplete))
	require.Zero(t, hub.Dropped())
	select {
	case evt := <-received:
		require.Equal(t, TypeSessionComplete, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("terminal event was not enqueued")
	}
}

// TestHubTerminalEventDroppedAfterWait bounds how long a stalled hub can hold
// the caller.
func TestHubTerminalEventDroppedAfterWait(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:     Config{TerminalWait: 20 * time.Millisecond},
		events:  make(chan Event),
		stopCh:  make(chan struct{}),
		logger:  zap.NewNop(),
		dropped: newDropCounters(),
	}
	// The first drop is logged and reset.
	hub.Emit(sampleEvent(TypeProgressUpdate))
	require.Zero(t, hub.Dropped())

	start := time.Now()
	hub.Emit(sampleEvent(TypeSessionError))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 1, hub.dropped[TypeSessionError].Load())
}

// TestHubDeliversTerminalEventUnderBackpressure floods a slow sink and checks
// the completion still arrives.
func TestHubDeliversTerminalEventUnderBackpressure(t *testing.T) {
	t.Parallel()

	sink := &slowSink{stubSink: newStubSink(), delay: 5 * time.Millisecond}
	hub := NewHub(Config{
		BufferSize:     1,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Hour,
	}, sink)

	for range 50 {
		hub.Emit(sampleEvent(TypeProgressUpdate))
	}
	done := sampleEvent(TypeSessionComplete)
	hub.Emit(done)
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	require.Equal(t, TypeSessionComplete, last[len(last)-1].Type)
	require.Equal(t, done.OperationID, last[len(last)-1].OperationID)
}

// TestHubFlushesOnTerminalEvent checks a completion reaches sinks without
// waiting for the batch timer.
func TestHubFlushesOnTerminalEvent(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Hour,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeSessionStart))
	hub.Emit(sampleEvent(TypeProgressUpdate))
	hub.Emit(sampleEvent(TypeSessionComplete))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, TypeSessionComplete, sink.Batches()[0][2].Type)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(TypeSessionStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

type slowSink struct {
	*stubSink
	delay time.Duration
}

func (s *slowSink) Consume(ctx context.Context, batch []Event) error {
	time.Sleep(s.delay)
	return s.stubSink.Consume(ctx, batch)
}

func sampleEvent(typ Type) Event {
	evt := Event{
		Type:        typ,
		OperationID: uuid.NewString(),
		Kind:        enrich.KindCategorize,
		TS:          time.Now(),
		Status:      "running",
	}
	switch typ {
	case TypeSessionError:
		evt.Error = "boom"
	case TypeDetailedError:
		evt.Remediation = "add a credential"
	}
	return evt
}

// TestHubDiscardsInvalidEvents ensures malformed events never reach sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Type: TypeSessionStart, TS: time.Now()})
	hub.Emit(Event{Type: "bogus", OperationID: "op", TS: time.Now()})
	bad := sampleEvent(TypeProgressUpdate)
	bad.Percentage = 101
	hub.Emit(bad)
	hub.Emit(Event{Type: TypeDetailedError, OperationID: "op", TS: time.Now()})

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubPreservesEmissionOrder checks that a single operation's events reach sinks in order.
func TestHubPreservesEmissionOrder(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 64, MaxBatchEvents: 3, MaxBatchWait: 5 * time.Millisecond}, sink)
	base := sampleEvent(TypeProgressUpdate)
	for step := 1; step <= 10; step++ {
		evt := base
		evt.Step = step
		hub.Emit(evt)
	}
	require.NoError(t, hub.Close(context.Background()))

	var steps []int
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			steps = append(steps, evt.Step)
		}
	}
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, steps)
}
