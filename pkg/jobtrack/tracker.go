// Package jobtrack tracks background jobs through their lifecycle. Workers
// report progress exclusively via atomic per-stage counter increments; a
// single centralized monitor derives state transitions from the counters, so
// no per-job supervisor task exists regardless of job volume.
package jobtrack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// Stage counter field names accepted by IncStage.
const (
	CounterCompleted = "completed"
	CounterFailed    = "failed"
	CounterSkipped   = "skipped"
	CounterTotal     = "total"
)

// WatchedTypes lists every job type that increments stage counters. The
// monitor filter must include all of them; an omission shows up as a job
// stuck in pending forever.
var WatchedTypes = []model.JobType{
	model.JobLibraryScan,
	model.JobCollectionScan,
	model.JobResumeCollection,
	model.JobCacheCleanup,
}

// Tracker creates jobs and applies stage-counter updates.
type Tracker struct {
	jobs   *catalog.Jobs
	logger *slog.Logger
}

// NewTracker creates a tracker over the job repository.
func NewTracker(jobs *catalog.Jobs, logger *slog.Logger) *Tracker {
	return &Tracker{jobs: jobs, logger: logger}
}

// CreateJob stores a new pending job with its stage totals initialized.
// Totals must be set before any message referencing the job is published, so
// a consumer can never settle a stage whose total is still unknown.
func (t *Tracker) CreateJob(ctx context.Context, jobType model.JobType, collectionID, libraryID *model.ID, stageTotals map[string]int64) (*model.BackgroundJob, error) {
	now := time.Now().UTC()

	stages := make(map[string]*model.JobStage, len(stageTotals))
	for name, total := range stageTotals {
		stages[name] = &model.JobStage{Status: model.JobPending, Total: total}
	}

	job := &model.BackgroundJob{
		ID:           model.NewID(),
		Type:         jobType,
		CollectionID: collectionID,
		LibraryID:    libraryID,
		Status:       model.JobPending,
		Stages:       stages,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := t.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create %s job: %w", jobType, err)
	}

	t.logger.InfoContext(ctx, "job created",
		slog.String("job_id", job.ID.Hex()),
		slog.String("job_type", string(jobType)))

	return job, nil
}

// IncStage atomically increments one stage counter. It is the only way
// workers report progress; counters are never read-modified-written.
func (t *Tracker) IncStage(ctx context.Context, jobID model.ID, stage, counter string) error {
	return t.jobs.IncStage(ctx, jobID, stage, counter, 1)
}

// AddStageTotal atomically grows a stage total, used when work is discovered
// incrementally during a scan.
func (t *Tracker) AddStageTotal(ctx context.Context, jobID model.ID, stage string, delta int64) error {
	return t.jobs.IncStage(ctx, jobID, stage, CounterTotal, delta)
}

// RecordItemError stores the most recent per-item error string on the job.
func (t *Tracker) RecordItemError(ctx context.Context, jobID model.ID, itemErr error) {
	if err := t.jobs.RecordError(ctx, jobID, itemErr.Error()); err != nil {
		t.logger.WarnContext(ctx, "record job error failed",
			slog.String("job_id", jobID.Hex()),
			slog.String("error", err.Error()))
	}
}

// Cancel marks a job cancelled. Terminal states are sticky; in-flight
// consumer work drains without further side effects on the job.
func (t *Tracker) Cancel(ctx context.Context, jobID model.ID) error {
	job, err := t.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		return nil
	}

	return t.jobs.SetStatus(ctx, jobID, model.JobCancelled, "cancelled by operator")
}

// IsCancelled reports whether the owning job has been cancelled. Consumers
// call this at phase boundaries and ack without side effects when true.
func (t *Tracker) IsCancelled(ctx context.Context, jobID model.ID) bool {
	job, err := t.jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}

	return job.Status == model.JobCancelled
}
