package progress

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// Broadcaster is a Sink that relays events to live per-operation subscribers.
// Slow subscribers lose events instead of stalling the hub; they are expected
// to re-synchronise from the operation snapshot.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	closed bool
	logger *zap.Logger
}

type subscriber struct {
	ch      chan Event
	dropped int
	done    bool
}

// NewBroadcaster constructs a Broadcaster. buffer is the per-subscriber
// channel capacity (default 64).
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers interest in one operation. The returned channel is
// closed after a terminal event, on cancel, or when the broadcaster closes.
func (b *Broadcaster) Subscribe(operationID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := b.subs[operationID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[operationID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.detachLocked(operationID, sub)
	}
	return sub.ch, cancel
}

// Subscribers reports the number of live subscribers for an operation.
func (b *Broadcaster) Subscribers(operationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[operationID])
}

// Consume implements Sink.
func (b *Broadcaster) Consume(_ context.Context, batch []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		set := b.subs[evt.OperationID]
		for sub := range set {
			select {
			case sub.ch <- evt:
			default:
				sub.dropped++
				if sub.dropped == 1 {
					b.logger.Warn("stream subscriber lagging, dropping events",
						zap.String("operation_id", evt.OperationID))
				}
			}
			if evt.Terminal() {
				b.detachLocked(evt.OperationID, sub)
			}
		}
	}
	return nil
}

// Close implements Sink and releases every subscriber.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, set := range b.subs {
		for sub := range set {
			b.detachLocked(id, sub)
		}
	}
	return nil
}

func (b *Broadcaster) detachLocked(operationID string, sub *subscriber) {
	if sub.done {
		return
	}
	sub.done = true
	close(sub.ch)
	set := b.subs[operationID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, operationID)
	}
}
