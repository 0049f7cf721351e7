// Package store provides durable persistence for kbsync: the local chunk
// store and job-state options in SQLite, plus vector-index implementations
// (in-process HNSW and a remote HTTP client).
package store

import (
	"context"
	"time"
)

// State keys persisted through the option store. Opaque to the host.
const (
	// StateKeyJobState holds the versioned pipeline job-state record.
	StateKeyJobState = "indexing_job_state"
	// StateKeyLastFullSync stores the last full resync timestamp.
	StateKeyLastFullSync = "last_full_sync"
	// StateKeyLastIncrementalSync stores the last incremental sync timestamp.
	StateKeyLastIncrementalSync = "last_incremental_sync"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// ChunkRecord is one durable chunk row. The unique key is
// (SourceType, SourceID, ChunkIndex); upserts replace prior data for
// that key, so reprocessing an item is idempotent.
type ChunkRecord struct {
	SourceType string
	SourceID   string
	ChunkIndex int
	Title      string
	Content    string
	ChunkText  string
	Embedding  []float32
	Metadata   map[string]string
	IndexedAt  time.Time
	UpdatedAt  time.Time
}

// ActivityEntry is one append-only activity log row, written when an
// indexing run reaches a terminal state.
type ActivityEntry struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Errors     int
	Message    string
}

// ChunkStore persists chunk rows and run bookkeeping.
type ChunkStore interface {
	// UpsertChunk replaces or inserts the row for the record's key.
	UpsertChunk(ctx context.Context, rec *ChunkRecord) error

	// GetChunksBySource returns all chunks for one source item, ordered by index.
	GetChunksBySource(ctx context.Context, sourceType, sourceID string) ([]*ChunkRecord, error)

	// DeleteBySource removes all chunks for a source item and returns the
	// chunk indexes that were stored, for mirror cleanup.
	DeleteBySource(ctx context.Context, sourceType, sourceID string) ([]int, error)

	// CountChunks returns the number of stored chunks.
	CountChunks(ctx context.Context) (int, error)

	// AppendActivity appends one activity log entry.
	AppendActivity(ctx context.Context, entry *ActivityEntry) error

	// RecentActivity returns the most recent entries, newest first.
	RecentActivity(ctx context.Context, limit int) ([]*ActivityEntry, error)

	Close() error
}

// StateStore is a generic key-value option store with optimistic
// concurrency. Every write bumps the key's revision; compare-and-swap
// writes fail with a state-conflict error when the revision moved.
type StateStore interface {
	// GetOption returns the value and current revision for key.
	// A missing key returns ("", 0, nil).
	GetOption(ctx context.Context, key string) (value string, revision int64, err error)

	// SetOption writes unconditionally and returns the new revision.
	SetOption(ctx context.Context, key, value string) (int64, error)

	// SetOptionCAS writes only if the stored revision equals expected.
	// Returns the new revision, or a state-conflict error.
	SetOptionCAS(ctx context.Context, key, value string, expected int64) (int64, error)
}

// VectorIndex is the external similarity index the pipeline mirrors into,
// addressed by composite id "{type}_{id}_{chunkIndex}".
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// VectorMatch is a single similarity search result.
type VectorMatch struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// VectorSearcher is implemented by indexes that support local similarity
// queries (the in-process HNSW mirror).
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, k int) ([]VectorMatch, error)
}
