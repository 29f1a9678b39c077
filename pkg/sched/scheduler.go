// Package sched runs recurring jobs defined in the catalog. Definitions are
// reconciled into the in-process cron registry on an interval, so adding,
// editing, or disabling a scheduled job is a database write, not a deploy,
// and the registry self-heals across restarts.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// DefaultSyncInterval is the reconciliation cadence.
const DefaultSyncInterval = 5 * time.Minute

// Reconciliation cadence bounds.
const (
	MinSyncInterval = time.Minute
	MaxSyncInterval = time.Hour
)

// DefaultLibraryScanCron is the default cadence for library scans.
const DefaultLibraryScanCron = "0 2 * * *"

// defaultRunTimeout bounds one firing when the definition carries none.
const defaultRunTimeout = 10 * time.Minute

// Config tunes the scheduler.
type Config struct {
	// SyncInterval is the reconciliation cadence, clamped to
	// [MinSyncInterval, MaxSyncInterval].
	SyncInterval time.Duration

	// MaxConsecutiveFailures disables a definition after this many
	// failed firings in a row. Zero keeps failing jobs enabled.
	MaxConsecutiveFailures int
}

// TargetRunner executes one firing of a scheduled job type. The scheduler
// resolves the definition and bookkeeping; runners do the type-specific
// work (normally a single publish).
type TargetRunner func(ctx context.Context, job *model.ScheduledJob, runID model.ID) error

// registryEntry tracks one registered cron binding.
type registryEntry struct {
	entryID  cron.EntryID
	cronSpec string
	failures int
}

// Scheduler reconciles catalog-defined recurring jobs into a cron runner.
type Scheduler struct {
	repos   *catalog.Repositories
	bus     bus.Bus
	cron    *cron.Cron
	cfg     Config
	logger  *slog.Logger
	runners map[model.JobType]TargetRunner

	mu       sync.Mutex
	registry map[string]*registryEntry
}

// New creates a scheduler. The cron dialect is standard five-field
// (minute hour day-of-month month day-of-week).
func New(repos *catalog.Repositories, b bus.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}

	if cfg.SyncInterval < MinSyncInterval {
		cfg.SyncInterval = MinSyncInterval
	}

	if cfg.SyncInterval > MaxSyncInterval {
		cfg.SyncInterval = MaxSyncInterval
	}

	s := &Scheduler{
		repos:    repos,
		bus:      b,
		cron:     cron.New(),
		cfg:      cfg,
		logger:   logger,
		registry: make(map[string]*registryEntry),
		runners:  make(map[model.JobType]TargetRunner),
	}

	s.runners[model.JobLibraryScan] = s.runLibraryScan

	return s
}

// RegisterRunner installs a runner for a scheduled job type, replacing any
// default.
func (s *Scheduler) RegisterRunner(jobType model.JobType, runner TargetRunner) {
	s.runners[jobType] = runner
}

// Run loads the enabled definitions, starts cron, and reconciles on the
// sync interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.ErrorContext(ctx, "initial reconcile failed", slog.String("error", err.Error()))
	}

	s.cron.Start()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx := s.cron.Stop()

			// Let in-flight firings drain.
			<-stopCtx.Done()

			return nil
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.ErrorContext(ctx, "reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reconcile diffs the enabled catalog definitions against the registry:
// new definitions register, changed cron expressions re-register, and
// disabled or deleted definitions deregister. Each action is isolated; a
// failure on one definition never aborts the batch.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	enabled, err := s.repos.Scheduled.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled scheduled jobs: %w", err)
	}

	desired := make(map[string]*model.ScheduledJob, len(enabled))
	for i := range enabled {
		desired[enabled[i].ID.Hex()] = &enabled[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for idHex, job := range desired {
		existing, registered := s.registry[idHex]

		switch {
		case !registered:
			if regErr := s.registerLocked(ctx, job); regErr != nil {
				s.logger.ErrorContext(ctx, "register scheduled job failed",
					slog.String("scheduled_job_id", idHex),
					slog.String("error", regErr.Error()))
			}
		case existing.cronSpec != job.CronExpression:
			s.deregisterLocked(idHex)

			if regErr := s.registerLocked(ctx, job); regErr != nil {
				s.logger.ErrorContext(ctx, "re-register scheduled job failed",
					slog.String("scheduled_job_id", idHex),
					slog.String("error", regErr.Error()))
			}
		}
	}

	for idHex := range s.registry {
		if _, ok := desired[idHex]; !ok {
			s.deregisterLocked(idHex)
		}
	}

	return nil
}

// Registered reports whether a definition is currently bound to cron.
func (s *Scheduler) Registered(id model.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.registry[id.Hex()]

	return ok
}

// registerLocked binds one definition to cron and stamps its next run time.
func (s *Scheduler) registerLocked(ctx context.Context, job *model.ScheduledJob) error {
	schedule, err := cron.ParseStandard(job.CronExpression)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", job.CronExpression, err)
	}

	jobID := job.ID

	entryID, err := s.cron.AddFunc(job.CronExpression, func() {
		s.fire(jobID)
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}

	s.registry[job.ID.Hex()] = &registryEntry{entryID: entryID, cronSpec: job.CronExpression}

	if err := s.repos.Scheduled.SetNextRun(ctx, job.ID, schedule.Next(time.Now())); err != nil {
		s.logger.WarnContext(ctx, "stamp next run failed",
			slog.String("scheduled_job_id", job.ID.Hex()),
			slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "scheduled job registered",
		slog.String("scheduled_job_id", job.ID.Hex()),
		slog.String("name", job.Name),
		slog.String("cron", job.CronExpression))

	return nil
}

func (s *Scheduler) deregisterLocked(idHex string) {
	entry, ok := s.registry[idHex]
	if !ok {
		return
	}

	s.cron.Remove(entry.entryID)
	delete(s.registry, idHex)

	s.logger.Info("scheduled job deregistered", slog.String("scheduled_job_id", idHex))
}

// fire executes one cron trigger.
func (s *Scheduler) fire(id model.ID) {
	ctx := context.Background()

	job, err := s.repos.Scheduled.Get(ctx, id)
	if err != nil || !job.IsEnabled || job.IsDeleted {
		return
	}

	if err := s.RunScheduled(ctx, job, model.TriggerScheduler); err != nil {
		s.logger.ErrorContext(ctx, "scheduled run failed",
			slog.String("scheduled_job_id", id.Hex()),
			slog.String("error", err.Error()))
	}
}

// RunScheduled performs one firing of a definition: it creates the run
// record, resolves and executes the target, finishes the run, and updates
// the definition's counters and next-run stamp. A successful publish
// completes the run; downstream processing is observed through the produced
// background job, not this record.
func (s *Scheduler) RunScheduled(ctx context.Context, job *model.ScheduledJob, trigger model.RunTrigger) error {
	timeout := defaultRunTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now().UTC()

	run := &model.ScheduledJobRun{
		ID:             model.NewID(),
		ScheduledJobID: job.ID,
		Status:         model.RunRunning,
		StartedAt:      started,
		TriggeredBy:    trigger,
	}

	if err := s.repos.Runs.Create(ctx, run); err != nil {
		return fmt.Errorf("create run record: %w", err)
	}

	runErr := s.execute(runCtx, job, run.ID)

	status := model.RunCompleted
	errMsg := ""

	if runErr != nil {
		status = model.RunFailed
		errMsg = runErr.Error()
	}

	if err := s.repos.Runs.Finish(ctx, run.ID, status, errMsg, started); err != nil {
		s.logger.WarnContext(ctx, "finish run record failed",
			slog.String("run_id", run.ID.Hex()),
			slog.String("error", err.Error()))
	}

	var nextRun *time.Time

	if schedule, parseErr := cron.ParseStandard(job.CronExpression); parseErr == nil {
		next := schedule.Next(time.Now())
		nextRun = &next
	}

	if err := s.repos.Scheduled.RecordRun(ctx, job.ID, status, errMsg, nextRun); err != nil {
		s.logger.WarnContext(ctx, "record run bookkeeping failed",
			slog.String("scheduled_job_id", job.ID.Hex()),
			slog.String("error", err.Error()))
	}

	s.trackFailures(ctx, job.ID, runErr != nil)

	return runErr
}

// trackFailures applies the consecutive-failure disable policy.
func (s *Scheduler) trackFailures(ctx context.Context, id model.ID, failed bool) {
	if s.cfg.MaxConsecutiveFailures <= 0 {
		return
	}

	s.mu.Lock()
	entry, ok := s.registry[id.Hex()]
	if ok {
		if failed {
			entry.failures++
		} else {
			entry.failures = 0
		}
	}

	exceeded := ok && entry.failures >= s.cfg.MaxConsecutiveFailures
	s.mu.Unlock()

	if !exceeded {
		return
	}

	if err := s.repos.Scheduled.SetEnabled(ctx, id, false); err != nil {
		s.logger.WarnContext(ctx, "disable failing scheduled job failed",
			slog.String("scheduled_job_id", id.Hex()),
			slog.String("error", err.Error()))

		return
	}

	s.logger.WarnContext(ctx, "scheduled job disabled after consecutive failures",
		slog.String("scheduled_job_id", id.Hex()),
		slog.Int("failures", s.cfg.MaxConsecutiveFailures))
}

// execute dispatches one firing to the runner for its job type.
func (s *Scheduler) execute(ctx context.Context, job *model.ScheduledJob, runID model.ID) error {
	runner, ok := s.runners[job.JobType]
	if !ok {
		return fmt.Errorf("no runner for scheduled job type %q", job.JobType)
	}

	return runner(ctx, job, runID)
}

// runLibraryScan resolves the target library and publishes a LibraryScan
// message carrying the definition's parameters.
func (s *Scheduler) runLibraryScan(ctx context.Context, job *model.ScheduledJob, runID model.ID) error {
	libraryHex, _ := job.Parameters["libraryId"].(string)

	libraryID, err := model.ParseID(libraryHex)
	if err != nil {
		return fmt.Errorf("scheduled job %s: bad libraryId %q", job.ID.Hex(), libraryHex)
	}

	lib, err := s.repos.Libraries.Get(ctx, libraryID)
	if err != nil {
		return fmt.Errorf("resolve library %s: %w", libraryHex, err)
	}

	if lib.IsDeleted {
		return fmt.Errorf("library %s is deleted", libraryHex)
	}

	scanType := model.ScanIncremental
	if s, ok := job.Parameters["scanType"].(string); ok && model.ScanType(s) == model.ScanFull {
		scanType = model.ScanFull
	}

	jobID := job.ID

	return s.bus.Publish(ctx, model.LibraryScan{
		Envelope:          model.NewEnvelope(model.MessageLibraryScan, uuid.NewString()),
		LibraryID:         lib.ID,
		LibraryPath:       lib.RootPath,
		ScanType:          scanType,
		IncludeSubfolders: boolParam(job.Parameters, "includeSubfolders", true),
		ResumeIncomplete:  boolParam(job.Parameters, "resumeIncomplete", false),
		OverwriteExisting: boolParam(job.Parameters, "overwriteExisting", false),
		ScheduledJobID:    &jobID,
		JobRunID:          &runID,
	})
}

func boolParam(params map[string]any, key string, fallback bool) bool {
	v, ok := params[key].(bool)
	if !ok {
		return fallback
	}

	return v
}
