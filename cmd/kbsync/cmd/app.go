package cmd

import (
	"fmt"
	"log/slog"

	"github.com/kestrelworks/kbsync/internal/chunk"
	"github.com/kestrelworks/kbsync/internal/config"
	"github.com/kestrelworks/kbsync/internal/embed"
	"github.com/kestrelworks/kbsync/internal/metrics"
	"github.com/kestrelworks/kbsync/internal/pipeline"
	"github.com/kestrelworks/kbsync/internal/source"
	"github.com/kestrelworks/kbsync/internal/store"
)

// app wires the configured components together for one command
// invocation.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	embedder embed.Embedder
	vectors  store.VectorIndex
	searcher store.VectorSearcher
	source   *source.DirSource
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
}

// openApp builds the component graph from cfg. withMetrics also creates
// the Prometheus collector set (the daemon serves it; one-shot commands
// skip it).
func openApp(cfg *config.Config, withMetrics bool) (*app, error) {
	if cfg.SourceDir == "" {
		return nil, fmt.Errorf("source_dir is not configured (set it in the config file or KBSYNC_SOURCE_DIR)")
	}

	src, err := source.NewDirSource(cfg.SourceDir)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: db, source: src}

	if withMetrics {
		a.metrics = metrics.New()
	}

	a.embedder = buildEmbedder(cfg)

	if err := a.attachVectorIndex(); err != nil {
		a.Close()
		return nil, err
	}

	chunkCfgs := cfg.Chunking
	if chunkCfgs == nil {
		chunkCfgs = map[string]chunk.Config{"": chunk.DefaultConfig()}
	}

	a.pipeline = pipeline.New(cfg.Pipeline, src, a.embedder,
		db, db, a.vectors, chunkCfgs, a.metrics)

	return a, nil
}

func buildEmbedder(cfg *config.Config) embed.Embedder {
	var inner embed.Embedder
	if cfg.Embeddings.Provider == "local" {
		inner = embed.NewLocalEmbedder(cfg.Embeddings.Dimensions)
	} else {
		inner = embed.NewHTTPEmbedder(cfg.Embeddings)
	}
	return embed.NewCachedEmbedder(inner, cfg.Embeddings.CacheSize)
}

func (a *app) attachVectorIndex() error {
	switch a.cfg.VectorIndex.Provider {
	case "off":
		return nil
	case "remote":
		remote, err := store.NewRemoteIndex(a.cfg.VectorIndex.Remote)
		if err != nil {
			return err
		}
		a.vectors = remote
		return nil
	default:
		local, err := store.NewHNSWIndex(store.HNSWConfig{
			Dimensions: a.cfg.Embeddings.Dimensions,
			Path:       a.cfg.VectorIndexPath(),
		})
		if err != nil {
			return err
		}
		a.vectors = local
		a.searcher = local
		return nil
	}
}

// Close releases all components in reverse dependency order.
func (a *app) Close() {
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			slog.Warn("vector_index_close_failed", slog.String("error", err.Error()))
		}
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("store_close_failed", slog.String("error", err.Error()))
		}
	}
}
