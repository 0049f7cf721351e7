package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/kestrelworks/kbsync/internal/kberr"
)

// SQLiteStore implements ChunkStore and StateStore on a single SQLite
// database. WAL mode with a single-writer pool keeps cross-process readers
// working while one pipeline writes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Compile-time interface checks.
var (
	_ ChunkStore = (*SQLiteStore)(nil)
	_ StateStore = (*SQLiteStore)(nil)
)

// timeFormat is the canonical timestamp encoding in the database.
const timeFormat = time.RFC3339Nano

// validateIntegrity checks a SQLite database before opening it for real.
// Returns nil for a missing file (it will be created).
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteStore opens (or creates) the kbsync database at path.
// An empty path creates an in-memory store for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}

		if err := validateIntegrity(path); err != nil {
			return nil, kberr.New(kberr.ErrCodeStoreCorrupt,
				fmt.Sprintf("chunk store at %s failed validation", path), err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kberr.StorageError("open database", err)
	}

	// Single writer prevents lock contention with the modernc driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, kberr.StorageError("set pragma", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, kberr.StorageError("initialize schema", err)
	}

	return s, nil
}

// initSchema creates tables on first open.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Durable chunk rows; (source_type, source_id, chunk_index) is the
	-- identity key and upserts replace prior data for it.
	CREATE TABLE IF NOT EXISTS chunks (
		source_type TEXT    NOT NULL,
		source_id   TEXT    NOT NULL,
		chunk_index INTEGER NOT NULL,
		title       TEXT    NOT NULL DEFAULT '',
		content     TEXT    NOT NULL DEFAULT '',
		chunk_text  TEXT    NOT NULL,
		embedding   BLOB,
		metadata    TEXT    NOT NULL DEFAULT '{}',
		indexed_at  TEXT    NOT NULL,
		updated_at  TEXT    NOT NULL,
		PRIMARY KEY (source_type, source_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_type, source_id);

	-- Generic option store with per-key revisions for optimistic writes.
	CREATE TABLE IF NOT EXISTS options (
		key      TEXT PRIMARY KEY,
		value    TEXT    NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1
	);

	-- Append-only record of finished indexing runs.
	CREATE TABLE IF NOT EXISTS activity_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT    NOT NULL,
		started_at  TEXT    NOT NULL,
		finished_at TEXT    NOT NULL,
		processed   INTEGER NOT NULL,
		errors      INTEGER NOT NULL,
		message     TEXT    NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertChunk replaces or inserts the row for the record's identity key.
func (s *SQLiteStore) UpsertChunk(ctx context.Context, rec *ChunkRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return kberr.StorageError("encode chunk metadata", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks
			(source_type, source_id, chunk_index, title, content, chunk_text,
			 embedding, metadata, indexed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_type, source_id, chunk_index) DO UPDATE SET
			title      = excluded.title,
			content    = excluded.content,
			chunk_text = excluded.chunk_text,
			embedding  = excluded.embedding,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.SourceType, rec.SourceID, rec.ChunkIndex,
		rec.Title, rec.Content, rec.ChunkText,
		encodeVector(rec.Embedding), string(meta),
		rec.IndexedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return kberr.StorageError("upsert chunk", err)
	}
	return nil
}

// GetChunksBySource returns all chunks for one source item, ordered by index.
func (s *SQLiteStore) GetChunksBySource(ctx context.Context, sourceType, sourceID string) ([]*ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_type, source_id, chunk_index, title, content, chunk_text,
		       embedding, metadata, indexed_at, updated_at
		FROM chunks
		WHERE source_type = ? AND source_id = ?
		ORDER BY chunk_index`,
		sourceType, sourceID)
	if err != nil {
		return nil, kberr.StorageError("query chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteBySource removes all chunks for a source item and returns the chunk
// indexes that were stored, so the vector-index mirror can be cleaned up.
func (s *SQLiteStore) DeleteBySource(ctx context.Context, sourceType, sourceID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index FROM chunks WHERE source_type = ? AND source_id = ? ORDER BY chunk_index`,
		sourceType, sourceID)
	if err != nil {
		return nil, kberr.StorageError("query chunk indexes", err)
	}

	var indexes []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			_ = rows.Close()
			return nil, kberr.StorageError("scan chunk index", err)
		}
		indexes = append(indexes, idx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, kberr.StorageError("iterate chunk indexes", err)
	}
	_ = rows.Close()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE source_type = ? AND source_id = ?`,
		sourceType, sourceID); err != nil {
		return nil, kberr.StorageError("delete chunks", err)
	}

	return indexes, nil
}

// CountChunks returns the number of stored chunks.
func (s *SQLiteStore) CountChunks(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, kberr.StorageError("count chunks", err)
	}
	return count, nil
}

// GetOption returns the value and revision for key; missing keys yield
// ("", 0, nil).
func (s *SQLiteStore) GetOption(ctx context.Context, key string) (string, int64, error) {
	var value string
	var revision int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision FROM options WHERE key = ?`, key).Scan(&value, &revision)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, kberr.StorageError("get option", err)
	}
	return value, revision, nil
}

// SetOption writes unconditionally, bumping the revision.
func (s *SQLiteStore) SetOption(ctx context.Context, key, value string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO options (key, value, revision) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET
			value    = excluded.value,
			revision = options.revision + 1`,
		key, value)
	if err != nil {
		return 0, kberr.StorageError("set option", err)
	}

	var revision int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT revision FROM options WHERE key = ?`, key).Scan(&revision); err != nil {
		return 0, kberr.StorageError("read option revision", err)
	}
	return revision, nil
}

// SetOptionCAS writes only if the stored revision equals expected.
// expected 0 means the key must not exist yet.
func (s *SQLiteStore) SetOptionCAS(ctx context.Context, key, value string, expected int64) (int64, error) {
	var res sql.Result
	var err error

	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO options (key, value, revision) VALUES (?, ?, 1)
			ON CONFLICT(key) DO NOTHING`,
			key, value)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE options SET value = ?, revision = revision + 1
			WHERE key = ? AND revision = ?`,
			value, key, expected)
	}
	if err != nil {
		return 0, kberr.StorageError("compare-and-swap option", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, kberr.StorageError("compare-and-swap option", err)
	}
	if affected == 0 {
		return 0, kberr.New(kberr.ErrCodeStateConflict,
			fmt.Sprintf("option %q revision moved past %d", key, expected), nil)
	}
	return expected + 1, nil
}

// AppendActivity appends one activity log entry.
func (s *SQLiteStore) AppendActivity(ctx context.Context, entry *ActivityEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (run_id, started_at, finished_at, processed, errors, message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.StartedAt.UTC().Format(timeFormat),
		entry.FinishedAt.UTC().Format(timeFormat),
		entry.Processed, entry.Errors, entry.Message)
	if err != nil {
		return kberr.StorageError("append activity", err)
	}
	return nil
}

// RecentActivity returns the most recent entries, newest first.
func (s *SQLiteStore) RecentActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, processed, errors, message
		FROM activity_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, kberr.StorageError("query activity", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*ActivityEntry
	for rows.Next() {
		var entry ActivityEntry
		var started, finished string
		if err := rows.Scan(&entry.RunID, &started, &finished,
			&entry.Processed, &entry.Errors, &entry.Message); err != nil {
			return nil, kberr.StorageError("scan activity", err)
		}
		entry.StartedAt, _ = time.Parse(timeFormat, started)
		entry.FinishedAt, _ = time.Parse(timeFormat, finished)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanChunk.
type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(row scanner) (*ChunkRecord, error) {
	var rec ChunkRecord
	var embedding []byte
	var meta, indexed, updated string

	if err := row.Scan(&rec.SourceType, &rec.SourceID, &rec.ChunkIndex,
		&rec.Title, &rec.Content, &rec.ChunkText,
		&embedding, &meta, &indexed, &updated); err != nil {
		return nil, kberr.StorageError("scan chunk", err)
	}

	rec.Embedding = decodeVector(embedding)
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		slog.Warn("chunk_metadata_decode_failed",
			slog.String("source_id", rec.SourceID),
			slog.String("error", err.Error()))
		rec.Metadata = map[string]string{}
	}
	rec.IndexedAt, _ = time.Parse(timeFormat, indexed)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &rec, nil
}

// encodeVector serializes a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes little-endian bytes into a float32 vector.
func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
