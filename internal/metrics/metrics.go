// Package metrics defines the Prometheus collectors for the sync daemon
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for kbsync. Each daemon owns
// one instance registered on its own registry, so tests can create as
// many as they need.
type Metrics struct {
	registry *prometheus.Registry

	ChangesRecorded  *prometheus.CounterVec
	FlushesTotal     *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	BulkMode         prometheus.Gauge
	ItemsProcessed   *prometheus.CounterVec
	ItemFailures     *prometheus.CounterVec
	ChunksStored     prometheus.Counter
	EmbeddingLatency prometheus.Histogram
	TickDuration     prometheus.Histogram
	JobState         *prometheus.GaugeVec
	JobProgress      prometheus.Gauge
	MirrorErrors     prometheus.Counter
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ChangesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbsync_changes_recorded_total",
				Help: "Content change events recorded by the aggregator.",
			},
			[]string{"content_type", "action"},
		),
		FlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbsync_flushes_total",
				Help: "Aggregator flushes by trigger (threshold, timer, bulk_end, manual).",
			},
			[]string{"trigger"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kbsync_queue_depth",
				Help: "Change events currently queued in the aggregator.",
			},
		),
		BulkMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kbsync_bulk_mode",
				Help: "Whether bulk suppression is active (0 or 1).",
			},
		),
		ItemsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbsync_items_processed_total",
				Help: "Source items processed by the pipeline, by content type.",
			},
			[]string{"content_type"},
		),
		ItemFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbsync_item_failures_total",
				Help: "Per-item pipeline failures by stage (chunk, embed, store, mirror).",
			},
			[]string{"stage"},
		),
		ChunksStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kbsync_chunks_stored_total",
				Help: "Chunk rows written to the store.",
			},
		),
		EmbeddingLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbsync_embedding_latency_seconds",
				Help:    "Latency of embedding service batches.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbsync_tick_duration_seconds",
				Help:    "Wall-clock duration of pipeline ticks.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25},
			},
		),
		JobState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kbsync_job_state",
				Help: "Current job state as a one-hot gauge per state label.",
			},
			[]string{"state"},
		),
		JobProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kbsync_job_progress_percent",
				Help: "Progress of the current indexing job, 0 to 100.",
			},
		),
		MirrorErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kbsync_mirror_errors_total",
				Help: "Failed vector-index mirror operations.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ChangesRecorded,
		m.FlushesTotal,
		m.QueueDepth,
		m.BulkMode,
		m.ItemsProcessed,
		m.ItemFailures,
		m.ChunksStored,
		m.EmbeddingLatency,
		m.TickDuration,
		m.JobState,
		m.JobProgress,
		m.MirrorErrors,
	)

	return m
}

// SetJobState flips the one-hot job state gauge to the given state.
func (m *Metrics) SetJobState(state string) {
	for _, s := range []string{"idle", "preparing", "running", "completed", "failed", "cancelled"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.JobState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the scrape handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
