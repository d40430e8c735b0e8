package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//     Live stream subscribers see non-terminal events at most this late.
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - TerminalWait: how long Emit may block to enqueue a terminal event when
//     the buffer is full (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
//
// A terminal event (session_complete, session_error) always flushes the
// pending batch at once.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	TerminalWait   time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultTerminalWait   = 5 * time.Second
	dropWarnInterval      = 5 * time.Second
)

var knownTypes = []Type{
	TypeSessionStart,
	TypeProgressUpdate,
	TypeSessionComplete,
	TypeSessionError,
	TypeScraperStatus,
	TypeDetailedError,
	TypeConnectionEstablished,
}

// Hub aggregates operation events and fans them out to registered sinks in
// emission order. It is safe for concurrent use. Only terminal events may
// block the caller, and only for TerminalWait while the buffer is full.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger
	closed atomic.Bool

	// dropped is fixed at construction; only the counters change.
	dropped  map[Type]*atomic.Int64
	lastWarn atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.TerminalWait <= 0 {
		cfg.TerminalWait = defaultTerminalWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropped: newDropCounters(),
	}
	go h.run()
	return h
}

func newDropCounters() map[Type]*atomic.Int64 {
	dropped := make(map[Type]*atomic.Int64, len(knownTypes))
	for _, t := range knownTypes {
		dropped[t] = new(atomic.Int64)
	}
	return dropped
}

// Emit enqueues an Event for batching. Invalid events are discarded. When the
// buffer is full a non-terminal event is dropped and counted under its type;
// a terminal event waits up to TerminalWait for room, since subscribers and
// the event log rely on it to finish the operation.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event",
			zap.String("operation_id", evt.OperationID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Terminal() && h.waitToEnqueue(evt) {
		return
	}
	h.dropped[evt.Type].Add(1)
	h.warnDropped(time.Now())
}

func (h *Hub) waitToEnqueue(evt Event) bool {
	wait := h.cfg.TerminalWait
	if wait <= 0 {
		wait = defaultTerminalWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case h.events <- evt:
		return true
	case <-h.stopCh:
	case <-timer.C:
	}
	h.logger.Error("terminal progress event dropped",
		zap.String("operation_id", evt.OperationID),
		zap.String("type", string(evt.Type)),
	)
	return false
}

// warnDropped logs the per-type drop counts at most once per interval and
// resets them.
func (h *Hub) warnDropped(now time.Time) {
	last := h.lastWarn.Load()
	if now.UnixNano()-last < dropWarnInterval.Nanoseconds() {
		return
	}
	if !h.lastWarn.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	fields := make([]zap.Field, 0, len(h.dropped))
	var total int64
	for _, t := range knownTypes {
		if n := h.dropped[t].Swap(0); n > 0 {
			fields = append(fields, zap.Int64(string(t), n))
			total += n
		}
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", total),
		zap.Dict("by_type", fields...),
	)
}

// Dropped reports events dropped since the last backpressure warning.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	var total int64
	for _, n := range h.dropped {
		total += n.Load()
	}
	return total
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times; subsequent calls are
// ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// batcher owns the pending batch and its wait timer. Only run touches it.
type batcher struct {
	hub     *Hub
	pending []Event
	timer   *time.Timer
	armed   bool
}

func (b *batcher) add(evt Event) {
	b.pending = append(b.pending, evt)
	if evt.Terminal() || len(b.pending) >= b.hub.cfg.MaxBatchEvents {
		b.flush()
		return
	}
	if !b.armed {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
		b.armed = true
	}
}

func (b *batcher) flush() {
	b.disarm()
	if len(b.pending) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.pending...))
	b.pending = b.pending[:0]
}

func (b *batcher) disarm() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := &batcher{
		hub:     h,
		pending: make([]Event, 0, h.cfg.MaxBatchEvents),
		timer:   time.NewTimer(h.cfg.MaxBatchWait),
	}
	b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.flush()
		case <-h.stopCh:
			h.drain(b)
			return
		}
	}
}

// drain flushes whatever is still buffered after Close, then closes sinks.
func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		default:
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// deliver hands one batch to every sink in registration order. A failing
// sink is logged and does not stop delivery to the others.
func (h *Hub) deliver(batch []Event) {
	for i, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.Int("sink", i),
				zap.Int("batch", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
