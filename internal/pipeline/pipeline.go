// Package pipeline drives the resumable, time-boxed conversion of content
// into stored embedding vectors. One logical job progresses one bounded
// batch per tick; state lives in a single versioned record in the state
// store, so short-lived invocations can pick up where the last one
// stopped.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/kbsync/internal/chunk"
	"github.com/kestrelworks/kbsync/internal/embed"
	"github.com/kestrelworks/kbsync/internal/kberr"
	"github.com/kestrelworks/kbsync/internal/metrics"
	"github.com/kestrelworks/kbsync/internal/source"
	"github.com/kestrelworks/kbsync/internal/store"
)

// Defaults applied by New.
const (
	// DefaultBatchSize is the item count popped per tick.
	DefaultBatchSize = 10
	// DefaultBatchBudget is the wall-clock budget for one tick.
	DefaultBatchBudget = 25 * time.Second
	// DefaultPreviewChars caps the content preview mirrored to the
	// vector index.
	DefaultPreviewChars = 200
	// fastModeYield is the pause between batches when draining in-process.
	fastModeYield = 50 * time.Millisecond
)

// Config tunes the pipeline.
type Config struct {
	// BatchSize is the item count per tick. Zero uses the default.
	BatchSize int `yaml:"batch_size"`
	// BatchBudget bounds one tick's wall clock. Zero uses the default.
	BatchBudget time.Duration `yaml:"batch_budget"`
	// FastMode drains the queue in a bounded in-process loop instead of
	// waiting for external ticks.
	FastMode bool `yaml:"fast_mode"`
	// Mirror enables the external vector-index mirror.
	Mirror bool `yaml:"mirror"`
	// DevMode force-disables the mirror regardless of Mirror.
	DevMode bool `yaml:"dev_mode"`
	// PreviewChars caps the mirrored content preview. Zero uses the default.
	PreviewChars int `yaml:"preview_chars"`
}

// Result is the outcome of a start request.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusSnapshot is a coherent view of the current job.
type StatusSnapshot struct {
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Errors    []string  `json:"errors,omitempty"`
	Message   string    `json:"message"`
}

// Pipeline orchestrates scan, chunk, embed, store, and the optional
// vector-index mirror.
type Pipeline struct {
	config    Config
	src       source.Source
	chunker   *chunk.Chunker
	chunkCfgs map[string]chunk.Config
	embedder  embed.Embedder
	chunks    store.ChunkStore
	state     store.StateStore
	vectors   store.VectorIndex
	metrics   *metrics.Metrics
}

// New creates a pipeline. vectors may be nil when no mirror is wired;
// chunkCfgs maps content types to chunking configs, with the "" entry as
// the fallback. The metrics set may be nil.
func New(cfg Config, src source.Source, embedder embed.Embedder,
	chunks store.ChunkStore, state store.StateStore, vectors store.VectorIndex,
	chunkCfgs map[string]chunk.Config, m *metrics.Metrics) *Pipeline {

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchBudget <= 0 {
		cfg.BatchBudget = DefaultBatchBudget
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = DefaultPreviewChars
	}
	if chunkCfgs == nil {
		chunkCfgs = map[string]chunk.Config{}
	}

	return &Pipeline{
		config:    cfg,
		src:       src,
		chunker:   chunk.New(),
		chunkCfgs: chunkCfgs,
		embedder:  embedder,
		chunks:    chunks,
		state:     state,
		vectors:   vectors,
		metrics:   m,
	}
}

// mirrorEnabled reports whether vector-index mirroring is in effect.
func (p *Pipeline) mirrorEnabled() bool {
	return p.config.Mirror && !p.config.DevMode && p.vectors != nil
}

// chunkConfig resolves the chunk config for a content type.
func (p *Pipeline) chunkConfig(contentType string) chunk.Config {
	if cfg, ok := p.chunkCfgs[contentType]; ok {
		return cfg
	}
	if cfg, ok := p.chunkCfgs[""]; ok {
		return cfg
	}
	return chunk.DefaultConfig()
}

// Start begins a full indexing job over content matching typeFilter
// (empty means all types). Refuses while another job is preparing or
// running. An empty scan completes immediately.
func (p *Pipeline) Start(ctx context.Context, typeFilter string) (Result, error) {
	prev, revision, err := loadState(ctx, p.state)
	if err != nil {
		return Result{}, err
	}
	if prev.Status.active() {
		return Result{
			Success: false,
			Message: fmt.Sprintf("indexing already %s", prev.Status),
		}, kberr.New(kberr.ErrCodeJobConflict, "an indexing job is already active", nil)
	}

	job := &JobState{
		RunID:      uuid.NewString(),
		Kind:       jobKindFull,
		Status:     StatusPreparing,
		TypeFilter: typeFilter,
		StartTime:  time.Now(),
	}
	if revision, err = saveState(ctx, p.state, job, revision); err != nil {
		return Result{}, err
	}
	p.observeState(job)
	slog.Info("indexing_started",
		slog.String("run_id", job.RunID),
		slog.String("type_filter", typeFilter))

	items, err := p.src.Scan(ctx, typeFilter)
	if err != nil {
		return p.failJob(ctx, job, revision, fmt.Sprintf("content scan: %v", err))
	}

	job.Queue = items
	job.TotalItems = len(items)

	if len(items) == 0 {
		job.Status = StatusCompleted
		job.EndTime = time.Now()
		if _, err := saveState(ctx, p.state, job, revision); err != nil {
			return Result{}, err
		}
		p.observeState(job)
		p.appendActivity(ctx, job)
		p.stampSync(ctx, job)
		return Result{Success: true, Message: "nothing to index"}, nil
	}

	job.Status = StatusRunning
	if revision, err = saveState(ctx, p.state, job, revision); err != nil {
		return Result{}, err
	}
	p.observeState(job)

	if p.config.FastMode {
		if err := p.Run(ctx); err != nil {
			return Result{Success: false, Message: err.Error()}, err
		}
		return Result{Success: true,
			Message: fmt.Sprintf("indexed %d items", job.TotalItems)}, nil
	}

	return Result{Success: true,
		Message: fmt.Sprintf("indexing %d items", job.TotalItems)}, nil
}

// Run drains the queue with a bounded loop, one batch per iteration with
// a short yield between. Used by FastMode and the resync command.
func (p *Pipeline) Run(ctx context.Context) error {
	// Each iteration consumes at least one item, so the loop is bounded
	// by the initial queue length.
	for {
		job, _, err := loadState(ctx, p.state)
		if err != nil {
			return err
		}
		if !job.Status.active() {
			return nil
		}

		if err := p.Tick(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fastModeYield):
		}
	}
}

// Tick processes one bounded batch: pop up to BatchSize items, work
// through them sequentially within the wall-clock budget, and persist the
// shrunk queue and counters as one compare-and-swap write. Cancellation
// is observed here, at the batch boundary.
func (p *Pipeline) Tick(ctx context.Context) error {
	started := time.Now()

	job, revision, err := loadState(ctx, p.state)
	if err != nil {
		return err
	}

	if job.CancelRequested {
		return p.finalizeCancel(ctx, job, revision)
	}
	if job.Status != StatusRunning {
		return nil
	}

	batch := job.Queue
	if len(batch) > p.config.BatchSize {
		batch = batch[:p.config.BatchSize]
	}

	consumed := 0
	for _, item := range batch {
		if time.Since(started) > p.config.BatchBudget {
			slog.Warn("tick_budget_exhausted",
				slog.String("run_id", job.RunID),
				slog.Int("consumed", consumed),
				slog.Int("batch", len(batch)))
			break
		}

		itemErrs := p.processItem(ctx, item)
		job.Errors = append(job.Errors, itemErrs...)
		job.ProcessedItems++
		consumed++

		if p.metrics != nil {
			p.metrics.ItemsProcessed.WithLabelValues(item.Type).Inc()
		}
	}

	job.Queue = job.Queue[consumed:]

	if len(job.Queue) == 0 {
		job.Status = StatusCompleted
		job.EndTime = time.Now()
		job.Queue = nil
	}

	if _, err := saveState(ctx, p.state, job, revision); err != nil {
		if kberr.GetCode(err) == kberr.ErrCodeStateConflict {
			// Another invocation advanced the job; this tick's work is
			// redone there, safely, because all writes are idempotent.
			slog.Warn("tick_lost_revision_race", slog.String("run_id", job.RunID))
			return err
		}
		return p.markFailed(ctx, job, fmt.Sprintf("persist batch state: %v", err))
	}
	p.observeState(job)

	if p.metrics != nil {
		p.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}
	slog.Info("tick_finished",
		slog.String("run_id", job.RunID),
		slog.Int("consumed", consumed),
		slog.Int("remaining", len(job.Queue)),
		slog.Int("progress", job.Progress()))

	if job.Status == StatusCompleted {
		p.appendActivity(ctx, job)
		p.stampSync(ctx, job)
	}
	return nil
}

// processItem chunks, embeds, and stores one content item. Failures are
// returned as error strings for the job's error list; they never abort
// the item loop.
func (p *Pipeline) processItem(ctx context.Context, item source.ContentItem) []string {
	cfg := p.chunkConfig(item.Type)

	chunks, err := p.chunker.ChunkContent(item.Content, item.Type, cfg)
	if err != nil || len(chunks) == 0 {
		// An unchunkable item (empty or all-whitespace content) is
		// skipped, not an error.
		slog.Debug("item_skipped",
			slog.String("type", item.Type),
			slog.String("id", item.ID))
		if p.metrics != nil && err != nil {
			p.metrics.ItemFailures.WithLabelValues("chunk").Inc()
		}
		return nil
	}

	var errs []string
	for _, ch := range chunks {
		embedStart := time.Now()
		vector, err := p.embedder.Embed(ctx, ch.Text)
		if p.metrics != nil {
			p.metrics.EmbeddingLatency.Observe(time.Since(embedStart).Seconds())
		}
		if err != nil || len(vector) == 0 {
			if p.metrics != nil {
				p.metrics.ItemFailures.WithLabelValues("embed").Inc()
			}
			errs = append(errs, fmt.Sprintf("%s/%s chunk %d: embedding failed: %v",
				item.Type, item.ID, ch.Index, err))
			continue
		}

		now := time.Now()
		rec := &store.ChunkRecord{
			SourceType: item.Type,
			SourceID:   item.ID,
			ChunkIndex: ch.Index,
			Title:      item.Title,
			Content:    item.Content,
			ChunkText:  ch.Text,
			Embedding:  vector,
			Metadata:   ch.Metadata,
			IndexedAt:  now,
			UpdatedAt:  now,
		}
		if err := p.chunks.UpsertChunk(ctx, rec); err != nil {
			if p.metrics != nil {
				p.metrics.ItemFailures.WithLabelValues("store").Inc()
			}
			errs = append(errs, fmt.Sprintf("%s/%s chunk %d: store failed: %v",
				item.Type, item.ID, ch.Index, err))
			continue
		}
		if p.metrics != nil {
			p.metrics.ChunksStored.Inc()
		}

		if p.mirrorEnabled() {
			p.mirrorChunk(ctx, item, ch, vector)
		}
	}
	return errs
}

// mirrorChunk upserts one vector to the external index. Mirror failures
// are logged and never abort local storage.
func (p *Pipeline) mirrorChunk(ctx context.Context, item source.ContentItem, ch *chunk.Chunk, vector []float32) {
	id := mirrorID(item.Type, item.ID, ch.Index)
	meta := map[string]string{
		"type":    item.Type,
		"title":   item.Title,
		"preview": preview(ch.Text, p.config.PreviewChars),
	}
	if err := p.vectors.Upsert(ctx, id, vector, meta); err != nil {
		if p.metrics != nil {
			p.metrics.MirrorErrors.Inc()
		}
		slog.Warn("mirror_upsert_failed",
			slog.String("id", id),
			slog.String("error", err.Error()))
	}
}

// mirrorID builds the composite vector-index id.
func mirrorID(contentType, contentID string, index int) string {
	return fmt.Sprintf("%s_%s_%d", contentType, contentID, index)
}

// preview returns the first limit characters of text, cut at a rune
// boundary.
func preview(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return strings.ToValidUTF8(cut, "")
}

// Cancel requests cancellation of the active job. Takes effect at the
// next batch boundary; the current batch always completes.
func (p *Pipeline) Cancel(ctx context.Context) error {
	job, revision, err := loadState(ctx, p.state)
	if err != nil {
		return err
	}
	if !job.Status.active() {
		return kberr.New(kberr.ErrCodeJobConflict, "no active indexing job", nil)
	}

	job.CancelRequested = true
	if _, err := saveState(ctx, p.state, job, revision); err != nil {
		return err
	}
	slog.Info("indexing_cancel_requested", slog.String("run_id", job.RunID))
	return nil
}

// finalizeCancel moves the job to cancelled, discards the queue, and
// resets progress.
func (p *Pipeline) finalizeCancel(ctx context.Context, job *JobState, revision int64) error {
	job.Status = StatusCancelled
	job.Queue = nil
	job.ProcessedItems = 0
	job.CancelRequested = false
	job.EndTime = time.Now()

	if _, err := saveState(ctx, p.state, job, revision); err != nil {
		return err
	}
	p.observeState(job)
	p.appendActivity(ctx, job)
	slog.Info("indexing_cancelled", slog.String("run_id", job.RunID))
	return nil
}

// Status returns a coherent snapshot of the current job.
func (p *Pipeline) Status(ctx context.Context) (StatusSnapshot, error) {
	job, _, err := loadState(ctx, p.state)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return StatusSnapshot{
		Status:    job.Status,
		Progress:  job.Progress(),
		Total:     job.TotalItems,
		Processed: job.ProcessedItems,
		Errors:    job.Errors,
		Message:   job.StatusMessage(),
	}, nil
}

// failJob records a scan-stage failure on a freshly created job.
func (p *Pipeline) failJob(ctx context.Context, job *JobState, revision int64, message string) (Result, error) {
	if err := p.markFailedAt(ctx, job, revision, message); err != nil {
		return Result{}, err
	}
	return Result{Success: false, Message: "failed: " + message},
		kberr.New(kberr.ErrCodeInternal, message, nil)
}

// markFailed reloads the state and records an infrastructure failure.
func (p *Pipeline) markFailed(ctx context.Context, job *JobState, message string) error {
	_, revision, err := loadState(ctx, p.state)
	if err != nil {
		return err
	}
	if err := p.markFailedAt(ctx, job, revision, message); err != nil {
		return err
	}
	return kberr.New(kberr.ErrCodeInternal, message, nil)
}

func (p *Pipeline) markFailedAt(ctx context.Context, job *JobState, revision int64, message string) error {
	job.Status = StatusFailed
	job.Message = message
	job.EndTime = time.Now()

	if _, err := saveState(ctx, p.state, job, revision); err != nil {
		slog.Error("job_failure_persist_failed",
			slog.String("run_id", job.RunID),
			slog.String("error", err.Error()))
		return err
	}
	p.observeState(job)
	p.appendActivity(ctx, job)
	slog.Error("indexing_failed",
		slog.String("run_id", job.RunID),
		slog.String("message", message))
	return nil
}

// appendActivity writes the terminal-state activity row. Best effort.
func (p *Pipeline) appendActivity(ctx context.Context, job *JobState) {
	entry := &store.ActivityEntry{
		RunID:      job.RunID,
		StartedAt:  job.StartTime,
		FinishedAt: job.EndTime,
		Processed:  job.ProcessedItems,
		Errors:     len(job.Errors),
		Message:    job.StatusMessage(),
	}
	if err := p.chunks.AppendActivity(ctx, entry); err != nil {
		slog.Warn("activity_append_failed",
			slog.String("run_id", job.RunID),
			slog.String("error", err.Error()))
	}
}

// observeState updates job gauges. No-op without a metrics set.
func (p *Pipeline) observeState(job *JobState) {
	if p.metrics == nil {
		return
	}
	p.metrics.SetJobState(string(job.Status))
	p.metrics.JobProgress.Set(float64(job.Progress()))
}
