package jobtrack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// DefaultMonitorInterval is the state-transition cadence.
const DefaultMonitorInterval = 5 * time.Second

// MonitorConfig tunes the centralized job monitor.
type MonitorConfig struct {
	// Interval is the inspection cadence.
	Interval time.Duration

	// StageFailureTolerance is the number of failed items, summed over all
	// stages, a job may accumulate and still be marked completed when it
	// settles. Zero means any failure fails the job.
	StageFailureTolerance int64
}

// Monitor is the single long-lived inspector that transitions jobs between
// lifecycle states based on their stage counters. One monitor serves every
// job in the system; transient over- or under-counts inside one interval are
// reconciled on the next tick.
type Monitor struct {
	jobs   *catalog.Jobs
	cfg    MonitorConfig
	logger *slog.Logger
}

// NewMonitor creates a monitor over the job repository.
func NewMonitor(jobs *catalog.Jobs, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}

	return &Monitor{jobs: jobs, cfg: cfg, logger: logger}
}

// Run ticks until the context is cancelled. On restart it simply reloads the
// non-terminal jobs and resumes; no state is lost with the process.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.ErrorContext(ctx, "monitor tick failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Tick inspects every watched job once and applies any due transitions.
func (m *Monitor) Tick(ctx context.Context) error {
	jobs, err := m.jobs.ListWatched(ctx, WatchedTypes)
	if err != nil {
		return fmt.Errorf("list watched jobs: %w", err)
	}

	for i := range jobs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("monitor tick: %w", err)
		}

		m.inspect(ctx, &jobs[i])
	}

	return nil
}

// inspect applies the transition rules to one job. Failures on a single job
// never abort the sweep.
func (m *Monitor) inspect(ctx context.Context, job *model.BackgroundJob) {
	if job.Status.Terminal() {
		return
	}

	settled, anyProgress, totalItems, failedItems := summarize(job)

	switch {
	case settled:
		status := model.JobCompleted

		message := "all stages complete"
		if failedItems > m.cfg.StageFailureTolerance {
			status = model.JobFailed
			message = fmt.Sprintf("%d items failed", failedItems)
		}

		if err := m.jobs.SetStatus(ctx, job.ID, status, message); err != nil {
			m.logger.WarnContext(ctx, "job transition failed",
				slog.String("job_id", job.ID.Hex()),
				slog.String("error", err.Error()))

			return
		}

		m.logger.InfoContext(ctx, "job settled",
			slog.String("job_id", job.ID.Hex()),
			slog.String("job_type", string(job.Type)),
			slog.String("status", string(status)),
			slog.Int64("total", totalItems),
			slog.Int64("failed", failedItems))
	case anyProgress && job.Status == model.JobPending:
		// First observed activity stamps startedAt.
		if err := m.jobs.SetStatus(ctx, job.ID, model.JobInProgress, ""); err != nil {
			m.logger.WarnContext(ctx, "job start stamp failed",
				slog.String("job_id", job.ID.Hex()),
				slog.String("error", err.Error()))
		}
	}
}

// summarize derives progress from the stage counters: whether every stage is
// settled, whether any item has been accounted for, and the aggregate totals.
// A job with no pending work (all totals zero) counts as settled, so a
// resume that queued nothing still completes.
func summarize(job *model.BackgroundJob) (settled, anyProgress bool, totalItems, failedItems int64) {
	settled = true

	for _, stage := range job.Stages {
		totalItems += stage.Total
		failedItems += stage.Failed

		if stage.Completed+stage.Failed+stage.Skipped > 0 {
			anyProgress = true
		}

		if !stage.Settled() {
			settled = false
		}
	}

	return settled, anyProgress, totalItems, failedItems
}
