package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *HNSWIndex {
	t.Helper()
	idx, err := NewHNSWIndex(HNSWConfig{Dimensions: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestHNSWIndex_UpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "post_p1_0", []float32{1, 0, 0}, map[string]string{"type": "post"}))
	require.NoError(t, idx.Upsert(ctx, "post_p1_1", []float32{0, 1, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "product_w1_0", []float32{0, 0, 1}, nil))

	matches, err := idx.Search(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "post_p1_0", matches[0].ID)
	assert.Equal(t, "post", matches[0].Metadata["type"])
	assert.Greater(t, matches[0].Score, float32(0.9))
}

func TestHNSWIndex_UpsertReplaces(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "post_p1_0", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "post_p1_0", []float32{0, 0, 1}, nil))
	assert.Equal(t, 1, idx.Count())

	matches, err := idx.Search(ctx, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "post_p1_0", matches[0].ID)
	assert.InDelta(t, 1.0, float64(matches[0].Score), 0.001)
}

func TestHNSWIndex_DeleteHidesVector(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "post_p1_0", []float32{1, 0, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "post_p2_0", []float32{0.9, 0.1, 0}, nil))

	require.NoError(t, idx.Delete(ctx, "post_p1_0"))
	assert.False(t, idx.Contains("post_p1_0"))
	assert.Equal(t, 1, idx.Count())

	// The orphaned node stays in the graph but never surfaces.
	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "post_p2_0", matches[0].ID)

	// Deleting a missing id is a no-op.
	require.NoError(t, idx.Delete(ctx, "missing"))
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, "post_p1_0", []float32{1, 0}, nil)
	assert.ErrorContains(t, err, "dimension mismatch")

	_, err = idx.Search(ctx, []float32{1, 0, 0, 0}, 1)
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestHNSWIndex_EmptySearch(t *testing.T) {
	idx := newTestIndex(t)

	matches, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHNSWIndex_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.hnsw")
	ctx := context.Background()

	idx, err := NewHNSWIndex(HNSWConfig{Dimensions: 3, Path: path})
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "post_p1_0", []float32{1, 0, 0}, map[string]string{"type": "post"}))
	require.NoError(t, idx.Upsert(ctx, "post_p1_1", []float32{0, 1, 0}, nil))
	require.NoError(t, idx.Close())

	loaded, err := NewHNSWIndex(HNSWConfig{Path: path})
	require.NoError(t, err)
	defer func() { _ = loaded.Close() }()

	assert.Equal(t, 2, loaded.Count())
	matches, err := loaded.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "post_p1_0", matches[0].ID)
	assert.Equal(t, "post", matches[0].Metadata["type"])
}
