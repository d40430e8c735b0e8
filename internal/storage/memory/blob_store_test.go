package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "archive/op.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://archive/op.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("archive/op.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, []string{"archive/op.json"}, store.Paths())

	_, err = store.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
}
