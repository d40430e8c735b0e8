package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "topic-b", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.NotEqual(t, "modified", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherHonoursLimit(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for _, topic := range []string{"a", "b", "c"} {
		_, err := pub.Publish(context.Background(), topic, nil)
		require.NoError(t, err)
	}
	id, err := pub.Publish(context.Background(), "d", nil)
	require.NoError(t, err)
	require.Equal(t, "memory-4", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "c", msgs[0].Topic)
	require.Equal(t, "d", msgs[1].Topic)
}
