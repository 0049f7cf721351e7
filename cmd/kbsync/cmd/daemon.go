package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/kbsync/internal/aggregator"
	"github.com/kestrelworks/kbsync/internal/config"
	"github.com/kestrelworks/kbsync/internal/kberr"
	"github.com/kestrelworks/kbsync/internal/logging"
)

// Daemon defaults.
const (
	defaultTickInterval   = 30 * time.Second
	defaultResyncInterval = 24 * time.Hour
)

// newDaemonCmd creates the long-running sync daemon. It watches the
// content store, aggregates change events, ticks the pipeline, and
// optionally serves Prometheus metrics.
func newDaemonCmd() *cobra.Command {
	var tickInterval time.Duration
	var resyncInterval time.Duration

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Watch the content store and keep the index in sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, tickInterval, resyncInterval)
		},
	}

	cmd.Flags().DurationVar(&tickInterval, "tick-interval", defaultTickInterval,
		"How often to tick the pipeline")
	cmd.Flags().DurationVar(&resyncInterval, "resync-interval", defaultResyncInterval,
		"How often to run a full resync (0 disables)")

	return cmd
}

func runDaemon(parent context.Context, cfg *config.Config, tickInterval, resyncInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Switch to file logging for the long-running process.
	logCfg := cfg.Logging
	if logCfg.FilePath == "" {
		logCfg.FilePath = cfg.LogPath()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	// One daemon per data dir; a second instance exits instead of racing
	// the first over the job state.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another kbsync daemon already holds %s", cfg.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	a, err := openApp(cfg, cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	defer a.Close()

	agg := aggregator.New(cfg.Aggregator, a.source, a.pipeline, a.metrics)
	agg.Start(ctx)
	defer agg.Stop()

	slog.Info("daemon_started",
		slog.String("source_dir", cfg.SourceDir),
		slog.String("data_dir", cfg.DataDir))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.source.Watch(gctx, agg)
	})

	g.Go(func() error {
		return tickLoop(gctx, a, tickInterval)
	})

	if resyncInterval > 0 {
		g.Go(func() error {
			return resyncLoop(gctx, a, resyncInterval)
		})
	}

	if cfg.Metrics.Enabled && a.metrics != nil {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, a.metrics.Handler())
		})
	}

	err = g.Wait()

	// Final drain so events observed before shutdown are not lost.
	agg.Flush(context.Background())
	slog.Info("daemon_stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// tickLoop advances the pipeline one batch per interval while a job is
// active. Lost revision races are expected under concurrent admin runs
// and retried next tick.
func tickLoop(ctx context.Context, a *app, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.pipeline.Tick(ctx); err != nil {
				if kberr.GetCode(err) == kberr.ErrCodeStateConflict {
					continue
				}
				slog.Error("tick_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// resyncLoop periodically starts a full indexing job to repair any
// drift left by lost change events.
func resyncLoop(ctx context.Context, a *app, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := a.pipeline.Start(ctx, "")
			if err != nil {
				// An active job makes the scheduled resync redundant.
				slog.Info("resync_skipped", slog.String("reason", result.Message))
				continue
			}
			slog.Info("resync_started", slog.String("message", result.Message))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	slog.Info("metrics_listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
