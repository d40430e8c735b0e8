package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversPerOperation(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4, nil)
	events, cancel := b.Subscribe("op-a")
	defer cancel()
	other, cancelOther := b.Subscribe("op-b")
	defer cancelOther()

	start := sampleEvent(TypeSessionStart)
	start.OperationID = "op-a"
	require.NoError(t, b.Consume(context.Background(), []Event{start}))

	select {
	case evt := <-events:
		require.Equal(t, TypeSessionStart, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event for op-a")
	}
	select {
	case evt := <-other:
		t.Fatalf("unexpected event for op-b: %+v", evt)
	default:
	}
}

func TestBroadcasterClosesAfterTerminal(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4, nil)
	events, cancel := b.Subscribe("op")
	done := sampleEvent(TypeSessionComplete)
	done.OperationID = "op"
	done.Percentage = 100
	require.NoError(t, b.Consume(context.Background(), []Event{done}))

	evt, ok := <-events
	require.True(t, ok)
	require.True(t, evt.Terminal())
	_, ok = <-events
	require.False(t, ok)
	require.Zero(t, b.Subscribers("op"))
	cancel()
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1, nil)
	events, cancel := b.Subscribe("op")
	defer cancel()

	batch := make([]Event, 0, 5)
	for i := 1; i <= 5; i++ {
		evt := sampleEvent(TypeProgressUpdate)
		evt.OperationID = "op"
		evt.Step = i
		batch = append(batch, evt)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, b.Consume(context.Background(), batch))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume blocked on a slow subscriber")
	}
	evt := <-events
	require.Equal(t, 1, evt.Step)
}

func TestBroadcasterCloseReleasesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(0, nil)
	events, cancel := b.Subscribe("op")
	require.Equal(t, 1, b.Subscribers("op"))
	require.NoError(t, b.Close(context.Background()))
	_, ok := <-events
	require.False(t, ok)
	cancel()

	late, _ := b.Subscribe("op")
	_, ok = <-late
	require.False(t, ok)
}
