package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/kbsync/internal/kberr"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(sourceID string, idx int) *ChunkRecord {
	now := time.Now()
	return &ChunkRecord{
		SourceType: "post",
		SourceID:   sourceID,
		ChunkIndex: idx,
		Title:      "Hello",
		Content:    "Full body text",
		ChunkText:  "Chunk body text",
		Embedding:  []float32{0.1, 0.2, 0.3},
		Metadata:   map[string]string{"overlap": ""},
		IndexedAt:  now,
		UpdatedAt:  now,
	}
}

func TestSQLiteStore_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChunk(ctx, testRecord("p1", 0)))
	require.NoError(t, s.UpsertChunk(ctx, testRecord("p1", 1)))

	records, err := s.GetChunksBySource(ctx, "post", "p1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].ChunkIndex)
	assert.Equal(t, 1, records[1].ChunkIndex)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, records[0].Embedding)
	assert.Equal(t, "Chunk body text", records[0].ChunkText)
}

func TestSQLiteStore_UpsertReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChunk(ctx, testRecord("p1", 0)))

	updated := testRecord("p1", 0)
	updated.ChunkText = "Rewritten chunk"
	require.NoError(t, s.UpsertChunk(ctx, updated))

	records, err := s.GetChunksBySource(ctx, "post", "p1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Rewritten chunk", records[0].ChunkText)
}

func TestSQLiteStore_DeleteBySourceReturnsIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertChunk(ctx, testRecord("p1", i)))
	}
	require.NoError(t, s.UpsertChunk(ctx, testRecord("p2", 0)))

	indexes, err := s.DeleteBySource(ctx, "post", "p1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indexes)

	count, err := s.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Deleting an absent source yields no indexes and no error.
	indexes, err = s.DeleteBySource(ctx, "post", "missing")
	require.NoError(t, err)
	assert.Empty(t, indexes)
}

func TestSQLiteStore_OptionRevisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Missing key reads as empty with revision zero.
	value, revision, err := s.GetOption(ctx, StateKeyJobState)
	require.NoError(t, err)
	assert.Empty(t, value)
	assert.Zero(t, revision)

	rev1, err := s.SetOption(ctx, StateKeyJobState, `{"status":"idle"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev1)

	rev2, err := s.SetOption(ctx, StateKeyJobState, `{"status":"running"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev2)

	value, revision, err = s.GetOption(ctx, StateKeyJobState)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"running"}`, value)
	assert.Equal(t, int64(2), revision)
}

func TestSQLiteStore_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// First write requires expected revision zero.
	rev, err := s.SetOptionCAS(ctx, "k", "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	// Stale expected revision is rejected.
	_, err = s.SetOptionCAS(ctx, "k", "v2", 0)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeStateConflict, kberr.GetCode(err))
	assert.True(t, kberr.IsRetryable(err))

	rev, err = s.SetOptionCAS(ctx, "k", "v2", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)

	value, revision, err := s.GetOption(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
	assert.Equal(t, int64(2), revision)
}

func TestSQLiteStore_ActivityLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendActivity(ctx, &ActivityEntry{
			RunID:      "run-" + string(rune('a'+i)),
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Processed:  10 * (i + 1),
			Errors:     i,
			Message:    "completed",
		}))
	}

	entries, err := s.RecentActivity(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run-c", entries[0].RunID)
	assert.Equal(t, 30, entries[0].Processed)
	assert.Equal(t, "run-b", entries[1].RunID)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbsync.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertChunk(ctx, testRecord("p1", 0)))
	_, err = s.SetOption(ctx, "k", "v")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	count, err := reopened.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	value, revision, err := reopened.GetOption(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
	assert.Equal(t, int64(1), revision)
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	original := []float32{0.0, -1.5, 3.14159, 1e-7}
	assert.Equal(t, original, decodeVector(encodeVector(original)))

	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector(nil))
}
