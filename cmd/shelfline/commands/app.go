package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/config"
	"github.com/shelfline/shelfline/pkg/jobtrack"
	"github.com/shelfline/shelfline/pkg/navindex"
	"github.com/shelfline/shelfline/pkg/observability"
	"github.com/shelfline/shelfline/pkg/version"
)

// services holds the wired dependencies shared by the commands.
type services struct {
	cfg       *config.Config
	providers observability.Providers
	repos     *catalog.Repositories
	bus       bus.Bus
	index     navindex.Index
	tracker   *jobtrack.Tracker
	monitor   *jobtrack.Monitor

	closers []func(context.Context) error
}

// buildServices wires the backing stores according to configuration. The
// role tags every log record with the process kind.
func buildServices(ctx context.Context, role string) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(observability.Config{
		ServiceName:    "shelfline",
		ServiceVersion: version.Version,
		Role:           role,
		LogLevel:       cfg.Logging.Level,
		LogJSON:        cfg.Logging.Format == "json",
	})
	if err != nil {
		return nil, err
	}

	s := &services{cfg: cfg, providers: providers}
	s.closers = append(s.closers, providers.Shutdown)

	logger := providers.Logger

	if err := s.buildCatalog(ctx); err != nil {
		return nil, err
	}

	s.buildBus(logger)

	if err := s.buildIndex(ctx, logger); err != nil {
		return nil, err
	}

	s.tracker = jobtrack.NewTracker(s.repos.Jobs, logger)
	s.monitor = jobtrack.NewMonitor(s.repos.Jobs, jobtrack.MonitorConfig{
		Interval:              cfg.JobTracker.MonitorInterval,
		StageFailureTolerance: cfg.JobTracker.StageFailureTolerance,
	}, logger)

	return s, nil
}

func (s *services) buildCatalog(ctx context.Context) error {
	if s.cfg.Catalog.InMemory {
		s.repos = catalog.NewRepositories(catalog.NewMemoryGateway())

		return nil
	}

	gateway, disconnect, err := catalog.NewMongoGateway(ctx, s.cfg.Catalog.URI, s.cfg.Catalog.Database)
	if err != nil {
		return err
	}

	s.closers = append(s.closers, disconnect)
	s.repos = catalog.NewRepositories(gateway)

	return nil
}

func (s *services) buildBus(logger *slog.Logger) {
	if s.cfg.Queue.InMemory {
		s.bus = bus.NewMemoryBus(s.cfg.Queue.MaxRetries)

		return
	}

	asynqBus := bus.NewAsynqBus(bus.AsynqConfig{
		RedisAddr:  s.cfg.Queue.RedisAddr,
		Prefetch:   s.cfg.Queue.Prefetch,
		MaxRetries: s.cfg.Queue.MaxRetries,
	}, logger)

	s.closers = append(s.closers, func(_ context.Context) error {
		return asynqBus.Close()
	})
	s.bus = asynqBus
}

func (s *services) buildIndex(ctx context.Context, logger *slog.Logger) error {
	if s.cfg.Index.InMemory {
		s.index = navindex.NewMemoryIndex(s.repos.Collections)

		return nil
	}

	index, err := navindex.DialRedisIndex(ctx, s.repos.Collections, navindex.RedisConfig{
		Addr:             s.cfg.Index.RedisAddr,
		DB:               s.cfg.Index.RedisDB,
		ThumbTTL:         s.cfg.Index.ThumbTTL,
		RebuildBatchSize: int64(s.cfg.Index.RebuildBatchSize),
	}, logger)
	if err != nil {
		return err
	}

	s.index = index

	return nil
}

// close releases every wired dependency in reverse order.
func (s *services) close(ctx context.Context) error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
