package jobtrack_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/jobtrack"
	"github.com/shelfline/shelfline/pkg/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*jobtrack.Tracker, *jobtrack.Monitor, *catalog.Repositories) {
	t.Helper()

	repos := catalog.NewRepositories(catalog.NewMemoryGateway())
	tracker := jobtrack.NewTracker(repos.Jobs, discard())
	monitor := jobtrack.NewMonitor(repos.Jobs, jobtrack.MonitorConfig{}, discard())

	return tracker, monitor, repos
}

func TestCreateJobInitializesStages(t *testing.T) {
	t.Parallel()

	tracker, _, repos := setup(t)
	ctx := context.Background()
	colID := model.NewID()

	job, err := tracker.CreateJob(ctx, model.JobResumeCollection, &colID, nil,
		map[string]int64{model.StageThumbnail: 10, model.StageCache: 10})
	require.NoError(t, err)
	require.NotNil(t, job.CollectionID)
	assert.Equal(t, colID, *job.CollectionID)

	got, err := repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, int64(10), got.Stages[model.StageThumbnail].Total)
	assert.Equal(t, int64(10), got.Stages[model.StageCache].Total)
}

func TestMonitorCompletesSettledJob(t *testing.T) {
	t.Parallel()

	tracker, monitor, repos := setup(t)
	ctx := context.Background()

	job, err := tracker.CreateJob(ctx, model.JobCollectionScan, nil, nil,
		map[string]int64{model.StageThumbnail: 3})
	require.NoError(t, err)

	// Partial progress: pending -> in_progress with startedAt stamped.
	require.NoError(t, tracker.IncStage(ctx, job.ID, model.StageThumbnail, jobtrack.CounterCompleted))
	require.NoError(t, monitor.Tick(ctx))

	got, err := repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobInProgress, got.Status)
	require.NotNil(t, got.StartedAt)

	// Settle the stage: completed + skipped == total.
	require.NoError(t, tracker.IncStage(ctx, job.ID, model.StageThumbnail, jobtrack.CounterCompleted))
	require.NoError(t, tracker.IncStage(ctx, job.ID, model.StageThumbnail, jobtrack.CounterSkipped))
	require.NoError(t, monitor.Tick(ctx))

	got, err = repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	stage := got.Stages[model.StageThumbnail]
	assert.Equal(t, stage.Total, stage.Completed+stage.Failed+stage.Skipped)
}

func TestMonitorZeroTotalCompletesImmediately(t *testing.T) {
	t.Parallel()

	tracker, monitor, repos := setup(t)
	ctx := context.Background()

	job, err := tracker.CreateJob(ctx, model.JobResumeCollection, nil, nil,
		map[string]int64{model.StageThumbnail: 0, model.StageCache: 0})
	require.NoError(t, err)

	require.NoError(t, monitor.Tick(ctx))

	got, err := repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
}

func TestMonitorFailsJobBeyondTolerance(t *testing.T) {
	t.Parallel()

	repos := catalog.NewRepositories(catalog.NewMemoryGateway())
	tracker := jobtrack.NewTracker(repos.Jobs, discard())
	monitor := jobtrack.NewMonitor(repos.Jobs,
		jobtrack.MonitorConfig{StageFailureTolerance: 1}, discard())
	ctx := context.Background()

	job, err := tracker.CreateJob(ctx, model.JobCollectionScan, nil, nil,
		map[string]int64{model.StageCache: 2})
	require.NoError(t, err)

	require.NoError(t, tracker.IncStage(ctx, job.ID, model.StageCache, jobtrack.CounterFailed))
	require.NoError(t, tracker.IncStage(ctx, job.ID, model.StageCache, jobtrack.CounterFailed))
	require.NoError(t, monitor.Tick(ctx))

	got, err := repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)

	// Within tolerance: one failure of two items still completes.
	job2, err := tracker.CreateJob(ctx, model.JobCollectionScan, nil, nil,
		map[string]int64{model.StageCache: 2})
	require.NoError(t, err)

	require.NoError(t, tracker.IncStage(ctx, job2.ID, model.StageCache, jobtrack.CounterCompleted))
	require.NoError(t, tracker.IncStage(ctx, job2.ID, model.StageCache, jobtrack.CounterFailed))
	require.NoError(t, monitor.Tick(ctx))

	got2, err := repos.Jobs.Get(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got2.Status)
}

func TestCancelledJobIsSticky(t *testing.T) {
	t.Parallel()

	tracker, monitor, repos := setup(t)
	ctx := context.Background()

	job, err := tracker.CreateJob(ctx, model.JobCollectionScan, nil, nil,
		map[string]int64{model.StageThumbnail: 1})
	require.NoError(t, err)

	require.NoError(t, tracker.Cancel(ctx, job.ID))
	assert.True(t, tracker.IsCancelled(ctx, job.ID))

	// Late increments and monitor ticks never resurrect the job.
	require.NoError(t, tracker.IncStage(ctx, job.ID, model.StageThumbnail, jobtrack.CounterCompleted))
	require.NoError(t, monitor.Tick(ctx))

	got, err := repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	// Cancelling a terminal job is a no-op.
	require.NoError(t, tracker.Cancel(ctx, job.ID))
}
