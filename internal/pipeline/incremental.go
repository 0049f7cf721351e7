package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/kbsync/internal/kberr"
	"github.com/kestrelworks/kbsync/internal/source"
	"github.com/kestrelworks/kbsync/internal/store"
)

// enqueueRetries bounds re-attempts when an enqueue loses the revision
// race against a concurrent tick.
const enqueueRetries = 3

// EnqueueForIndexing appends fresh content snapshots to the persisted
// work queue, creating an incremental job when none is active. This is
// the aggregator's dispatch target for create and update groups.
func (p *Pipeline) EnqueueForIndexing(ctx context.Context, contentType string, items []source.ContentItem) error {
	if len(items) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		job, revision, err := loadState(ctx, p.state)
		if err != nil {
			return err
		}

		if job.Status.active() {
			job.Queue = append(job.Queue, items...)
			job.TotalItems += len(items)
		} else {
			job = &JobState{
				RunID:      uuid.NewString(),
				Kind:       jobKindIncremental,
				Status:     StatusRunning,
				TypeFilter: contentType,
				TotalItems: len(items),
				Queue:      items,
				StartTime:  time.Now(),
			}
		}

		if _, err := saveState(ctx, p.state, job, revision); err != nil {
			if kberr.GetCode(err) == kberr.ErrCodeStateConflict {
				lastErr = err
				continue
			}
			return err
		}

		slog.Info("items_enqueued",
			slog.String("run_id", job.RunID),
			slog.String("content_type", contentType),
			slog.Int("items", len(items)),
			slog.Int("queue", len(job.Queue)))

		if p.config.FastMode {
			return p.Run(ctx)
		}
		return nil
	}
	return lastErr
}

// RemoveFromIndex deletes all stored chunks for the given ids and cleans
// up their vector-index mirrors. The aggregator's dispatch target for
// delete groups.
func (p *Pipeline) RemoveFromIndex(ctx context.Context, contentType string, ids []string) error {
	var failed int
	for _, id := range ids {
		indexes, err := p.chunks.DeleteBySource(ctx, contentType, id)
		if err != nil {
			failed++
			slog.Error("chunk_delete_failed",
				slog.String("type", contentType),
				slog.String("id", id),
				slog.String("error", err.Error()))
			continue
		}

		if p.mirrorEnabled() {
			for _, idx := range indexes {
				mid := mirrorID(contentType, id, idx)
				if err := p.vectors.Delete(ctx, mid); err != nil {
					if p.metrics != nil {
						p.metrics.MirrorErrors.Inc()
					}
					slog.Warn("mirror_delete_failed",
						slog.String("id", mid),
						slog.String("error", err.Error()))
				}
			}
		}

		slog.Debug("content_removed",
			slog.String("type", contentType),
			slog.String("id", id),
			slog.Int("chunks", len(indexes)))
	}

	if failed > 0 {
		return kberr.New(kberr.ErrCodeStoreUnavailable,
			fmt.Sprintf("failed to remove %d of %d items", failed, len(ids)), nil)
	}
	return nil
}

// stampSync records the completion timestamp for the job's sync kind.
// Best effort; a missing stamp only widens the next resync window.
func (p *Pipeline) stampSync(ctx context.Context, job *JobState) {
	key := store.StateKeyLastIncrementalSync
	if job.Kind == jobKindFull {
		key = store.StateKeyLastFullSync
	}
	if _, err := p.state.SetOption(ctx, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("sync_stamp_failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// LastSync returns the recorded full and incremental sync times. Zero
// times mean never.
func (p *Pipeline) LastSync(ctx context.Context) (full, incremental time.Time, err error) {
	if full, err = p.readStamp(ctx, store.StateKeyLastFullSync); err != nil {
		return
	}
	incremental, err = p.readStamp(ctx, store.StateKeyLastIncrementalSync)
	return
}

func (p *Pipeline) readStamp(ctx context.Context, key string) (time.Time, error) {
	raw, _, err := p.state.GetOption(ctx, key)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw)
}
