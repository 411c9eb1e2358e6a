package vecstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemUpsertAndQuery(t *testing.T) {
	store, err := NewChromem("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, CollectionTools, Record{
		ID:       "fs:read_file",
		Vector:   []float32{1, 0, 0},
		Metadata: map[string]string{"server": "fs"},
	}))
	require.NoError(t, store.Upsert(ctx, CollectionTools, Record{
		ID:     "fs:write_file",
		Vector: []float32{0, 1, 0},
	}))

	hits, err := store.Query(ctx, CollectionTools, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "fs:read_file", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "fs", hits[0].Metadata["server"])
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestChromemQueryClampsTopK(t *testing.T) {
	store, err := NewChromem("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	// Empty collection: no hits, no error.
	hits, err := store.Query(ctx, CollectionTools, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, store.Upsert(ctx, CollectionTools, Record{ID: "a", Vector: []float32{1, 0}}))

	// topK larger than the collection is clamped, not an error.
	hits, err = store.Query(ctx, CollectionTools, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromemUpsertReplaces(t *testing.T) {
	store, err := NewChromem("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, CollectionTools, Record{ID: "a", Vector: []float32{1, 0}}))
	require.NoError(t, store.Upsert(ctx, CollectionTools, Record{ID: "a", Vector: []float32{0, 1}}))

	assert.Equal(t, 1, store.Count(CollectionTools))

	hits, err := store.Query(ctx, CollectionTools, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestChromemDelete(t *testing.T) {
	store, err := NewChromem("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, CollectionCapabilities, Record{ID: "cap-1", Vector: []float32{1, 0}}))
	require.NoError(t, store.Delete(ctx, CollectionCapabilities, "cap-1"))
	assert.Equal(t, 0, store.Count(CollectionCapabilities))

	// Deleting an unknown id is a no-op.
	require.NoError(t, store.Delete(ctx, CollectionCapabilities, "cap-1"))
}

func TestChromemCollectionsAreIndependent(t *testing.T) {
	store, err := NewChromem("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, CollectionTools, Record{ID: "t", Vector: []float32{1, 0}}))
	require.NoError(t, store.Upsert(ctx, CollectionCapabilities, Record{ID: "c", Vector: []float32{1, 0}}))

	hits, err := store.Query(ctx, CollectionTools, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t", hits[0].ID)
}
