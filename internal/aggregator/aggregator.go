// Package aggregator converts a noisy stream of content-mutation
// notifications into compact batched work for the indexing pipeline.
// Events queue in memory; a flush groups them by (content type, action),
// re-reads current content state, and dispatches one batch per group.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelworks/kbsync/internal/metrics"
	"github.com/kestrelworks/kbsync/internal/source"
)

// Defaults applied by New.
const (
	// DefaultMaxQueueSize is the queue depth that triggers an immediate flush.
	DefaultMaxQueueSize = 50
	// DefaultFlushInterval is the safety-net flush period for quiet stores.
	DefaultFlushInterval = 5 * time.Minute
)

// Flush triggers, used as the metrics label.
const (
	triggerThreshold = "threshold"
	triggerTimer     = "timer"
	triggerBulkEnd   = "bulk_end"
	triggerManual    = "manual"
)

// Indexer is the pipeline surface the aggregator dispatches to.
type Indexer interface {
	// EnqueueForIndexing hands fresh content snapshots to the pipeline.
	EnqueueForIndexing(ctx context.Context, contentType string, items []source.ContentItem) error

	// RemoveFromIndex deletes all stored chunks for the given ids.
	RemoveFromIndex(ctx context.Context, contentType string, ids []string) error
}

// Fetcher resolves content ids to current snapshots in one batched read.
type Fetcher interface {
	FetchBatch(ctx context.Context, contentType string, ids []string) ([]source.ContentItem, error)
}

// Config tunes the aggregator.
type Config struct {
	// MaxQueueSize triggers a flush when reached. Zero uses the default.
	MaxQueueSize int `yaml:"max_queue_size"`
	// FlushInterval is the safety-net flush period. Zero uses the default.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Aggregator batches change events and dispatches them on flush.
// It implements source.ChangeHandler so a watcher can feed it directly.
type Aggregator struct {
	config  Config
	fetcher Fetcher
	indexer Indexer
	metrics *metrics.Metrics

	mu    sync.Mutex
	queue []source.ChangeNotification
	bulk  bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ source.ChangeHandler = (*Aggregator)(nil)

// New creates an aggregator dispatching to indexer, resolving snapshots
// through fetcher. The metrics set may be nil.
func New(cfg Config, fetcher Fetcher, indexer Indexer, m *metrics.Metrics) *Aggregator {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Aggregator{
		config:  cfg,
		fetcher: fetcher,
		indexer: indexer,
		metrics: m,
	}
}

// OnContentChanged records a change notification. Reaching the queue
// threshold flushes immediately unless bulk mode is active.
func (a *Aggregator) OnContentChanged(ev source.ChangeNotification) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.queue = append(a.queue, ev)
	depth := len(a.queue)
	shouldFlush := depth >= a.config.MaxQueueSize && !a.bulk
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ChangesRecorded.WithLabelValues(ev.ContentType, string(ev.Action)).Inc()
		a.metrics.QueueDepth.Set(float64(depth))
	}

	if shouldFlush {
		a.flush(context.Background(), triggerThreshold)
	}
}

// BeginBulk suppresses threshold and timer flushes until EndBulk.
// Events keep queueing.
func (a *Aggregator) BeginBulk() {
	a.mu.Lock()
	a.bulk = true
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.BulkMode.Set(1)
	}
	slog.Debug("bulk_mode_started")
}

// EndBulk clears bulk mode and flushes anything accumulated during it.
func (a *Aggregator) EndBulk(ctx context.Context) {
	a.mu.Lock()
	a.bulk = false
	pending := len(a.queue) > 0
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.BulkMode.Set(0)
	}
	slog.Debug("bulk_mode_ended", slog.Bool("pending", pending))

	if pending {
		a.flush(ctx, triggerBulkEnd)
	}
}

// Flush drains and dispatches the queue now, regardless of thresholds.
func (a *Aggregator) Flush(ctx context.Context) {
	a.flush(ctx, triggerManual)
}

// group is one dispatch unit: all queued events sharing a content type
// and action, in first-appearance order.
type group struct {
	contentType string
	action      source.Action
	ids         []string
	seen        map[string]bool
}

// flush atomically takes the queue and dispatches each group. The queue
// is cleared regardless of dispatch outcome; failed dispatches are logged
// and left to the next resync.
func (a *Aggregator) flush(ctx context.Context, trigger string) {
	a.mu.Lock()
	events := a.queue
	a.queue = nil
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.QueueDepth.Set(0)
	}
	if len(events) == 0 {
		return
	}
	if a.metrics != nil {
		a.metrics.FlushesTotal.WithLabelValues(trigger).Inc()
	}

	groups := groupEvents(events)
	slog.Info("aggregator_flush",
		slog.String("trigger", trigger),
		slog.Int("events", len(events)),
		slog.Int("groups", len(groups)))

	for _, g := range groups {
		a.dispatch(ctx, g)
	}
}

// groupEvents buckets events by (content type, action), preserving the
// order groups first appear and collapsing duplicate ids within a group.
// Event payloads are discarded; dispatch always re-reads current state.
func groupEvents(events []source.ChangeNotification) []*group {
	var ordered []*group
	index := make(map[string]*group)

	for _, ev := range events {
		key := ev.ContentType + "\x00" + string(ev.Action)
		g, ok := index[key]
		if !ok {
			g = &group{
				contentType: ev.ContentType,
				action:      ev.Action,
				seen:        make(map[string]bool),
			}
			index[key] = g
			ordered = append(ordered, g)
		}
		if !g.seen[ev.ContentID] {
			g.seen[ev.ContentID] = true
			g.ids = append(g.ids, ev.ContentID)
		}
	}
	return ordered
}

func (a *Aggregator) dispatch(ctx context.Context, g *group) {
	if g.action == source.ActionDelete {
		if err := a.indexer.RemoveFromIndex(ctx, g.contentType, g.ids); err != nil {
			slog.Error("aggregator_dispatch_failed",
				slog.String("content_type", g.contentType),
				slog.String("action", string(g.action)),
				slog.Int("ids", len(g.ids)),
				slog.String("error", err.Error()))
		}
		return
	}

	items, err := a.fetcher.FetchBatch(ctx, g.contentType, g.ids)
	if err != nil {
		slog.Error("aggregator_fetch_failed",
			slog.String("content_type", g.contentType),
			slog.Int("ids", len(g.ids)),
			slog.String("error", err.Error()))
		return
	}
	if len(items) == 0 {
		return
	}

	if err := a.indexer.EnqueueForIndexing(ctx, g.contentType, items); err != nil {
		slog.Error("aggregator_dispatch_failed",
			slog.String("content_type", g.contentType),
			slog.String("action", string(g.action)),
			slog.Int("items", len(items)),
			slog.String("error", err.Error()))
	}
}

// Start launches the safety-net flush ticker. The ticker skips flushing
// while bulk mode is active; EndBulk covers that window.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.config.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.mu.Lock()
				skip := a.bulk || len(a.queue) == 0
				a.mu.Unlock()
				if !skip {
					a.flush(ctx, triggerTimer)
				}
			}
		}
	}()
}

// Stop cancels the ticker and waits for it to exit. Queued events are
// left in place; callers wanting a final drain call Flush first.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
}

// QueueDepth reports the number of pending events.
func (a *Aggregator) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
