package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shelfline/shelfline/pkg/derive"
	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/observability"
	"github.com/shelfline/shelfline/pkg/scan"
	"github.com/shelfline/shelfline/pkg/sched"
	"github.com/shelfline/shelfline/pkg/stats"
)

// metricsReadHeaderTimeout bounds slow metric scrapers.
const metricsReadHeaderTimeout = 10 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion consumers, job monitor, and scheduler",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildServices(ctx, "worker")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	logger := s.providers.Logger
	agg := stats.NewAggregator(s.repos.Libraries)

	scanCfg := scan.Config{
		Concurrency:  s.cfg.Scan.Concurrency,
		ThumbWidth:   s.cfg.Scan.ThumbnailWidth,
		ThumbHeight:  s.cfg.Scan.ThumbnailHeight,
		CacheWidth:   s.cfg.Scan.CacheWidth,
		CacheHeight:  s.cfg.Scan.CacheHeight,
		CacheQuality: s.cfg.Derive.Quality,
		CacheFormat:  s.cfg.Derive.Format,
	}

	deriveCfg := derive.Config{
		CacheRoot:          s.cfg.Derive.CacheRoot,
		Format:             s.cfg.Derive.Format,
		Quality:            s.cfg.Derive.Quality,
		FolderSoftCapBytes: s.cfg.Derive.FolderSoftCapBytes,
	}

	orchestrator := scan.NewOrchestrator(s.repos, s.tracker, s.bus, agg, s.index, scanCfg, logger)
	collectionConsumer := scan.NewCollectionConsumer(s.repos, s.tracker, s.bus, agg, s.index, scanCfg, logger)
	thumbnailConsumer := derive.NewThumbnailConsumer(s.repos, s.tracker, s.index, deriveCfg, logger)
	cacheConsumer := derive.NewCacheConsumer(s.repos, s.tracker, deriveCfg, logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewPipelineMetrics(registry)

	subscribe := func(messageType string, h busHandler) {
		s.bus.Subscribe(messageType, func(handlerCtx context.Context, payload []byte) error {
			handleErr := h(handlerCtx, payload)
			metrics.Instrument(messageType, handleErr)

			return handleErr
		})
	}

	subscribe(model.MessageLibraryScan, orchestrator.HandleLibraryScan)
	subscribe(model.MessageCollection, collectionConsumer.Handle)
	subscribe(model.MessageThumbnailGen, thumbnailConsumer.Handle)
	subscribe(model.MessageCacheGen, cacheConsumer.Handle)

	// Rebuild the navigation index when its generation marker is absent or
	// stale; reads fall back to the catalog in the meantime.
	if !s.index.IsValid(ctx) {
		go func() {
			if rebuildErr := s.index.Rebuild(ctx); rebuildErr != nil {
				logger.ErrorContext(ctx, "index rebuild failed",
					slog.String("error", rebuildErr.Error()))
			}
		}()
	}

	errCh := make(chan error, 4)

	go func() {
		errCh <- s.monitor.Run(ctx)
	}()

	if s.cfg.Scheduler.Enabled {
		scheduler := sched.New(s.repos, s.bus, sched.Config{
			SyncInterval:           s.cfg.Scheduler.SyncInterval,
			MaxConsecutiveFailures: s.cfg.Scheduler.MaxConsecutiveFailures,
		}, logger)

		cleaner := derive.NewCleaner(s.repos, s.tracker, logger)
		scheduler.RegisterRunner(model.JobCacheCleanup, cleanupRunner(cleaner))

		go func() {
			errCh <- scheduler.Run(ctx)
		}()
	}

	if s.cfg.Metrics.Enabled {
		go serveMetrics(ctx, s.cfg.Metrics.Addr, registry, logger)
	}

	logger.InfoContext(ctx, "worker started",
		slog.Int("prefetch", s.cfg.Queue.Prefetch),
		slog.String("cache_root", s.cfg.Derive.CacheRoot))

	go func() {
		errCh <- s.bus.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("worker shutting down")

		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	}
}

// cleanupRunner adapts the cache cleaner to the scheduler's runner contract.
func cleanupRunner(cleaner *derive.Cleaner) sched.TargetRunner {
	return func(ctx context.Context, job *model.ScheduledJob, _ model.ID) error {
		collectionHex, _ := job.Parameters["collectionId"].(string)

		collectionID, err := model.ParseID(collectionHex)
		if err != nil {
			return err
		}

		_, err = cleaner.CleanCollection(ctx, collectionID)

		return err
	}
}

// serveMetrics exposes the Prometheus registry until the context ends.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsReadHeaderTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listener failed", slog.String("error", err.Error()))
	}
}

// busHandler mirrors the bus handler signature for the metrics wrapper.
type busHandler func(ctx context.Context, payload []byte) error
