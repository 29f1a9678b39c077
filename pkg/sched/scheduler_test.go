package sched_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/sched"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduledJob(libraryID model.ID) *model.ScheduledJob {
	return &model.ScheduledJob{
		ID:             model.NewID(),
		Name:           "nightly scan",
		JobType:        model.JobLibraryScan,
		CronExpression: sched.DefaultLibraryScanCron,
		IsEnabled:      true,
		Parameters: map[string]any{
			"libraryId":         libraryID.Hex(),
			"includeSubfolders": true,
		},
	}
}

func setup(t *testing.T) (*sched.Scheduler, *bus.MemoryBus, *catalog.Repositories) {
	t.Helper()

	repos := catalog.NewRepositories(catalog.NewMemoryGateway())
	b := bus.NewMemoryBus(5)
	s := sched.New(repos, b, sched.Config{SyncInterval: time.Minute}, discard())

	return s, b, repos
}

func TestReconcileRegistersAndDeregisters(t *testing.T) {
	t.Parallel()

	s, _, repos := setup(t)
	ctx := context.Background()

	lib := &model.Library{ID: model.NewID(), Name: "L", RootPath: "/L"}
	require.NoError(t, repos.Libraries.Create(ctx, lib))

	job := newScheduledJob(lib.ID)
	require.NoError(t, repos.Scheduled.Create(ctx, job))

	// A definition created after scheduler start appears within one
	// reconcile pass.
	require.NoError(t, s.Reconcile(ctx))
	assert.True(t, s.Registered(job.ID))

	stored, err := repos.Scheduled.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)

	// Next run is consistent with the daily-at-02:00 expression.
	assert.Equal(t, 2, stored.NextRunAt.Local().Hour())

	// Disabling deregisters within one pass.
	require.NoError(t, repos.Scheduled.SetEnabled(ctx, job.ID, false))
	require.NoError(t, s.Reconcile(ctx))
	assert.False(t, s.Registered(job.ID))
}

func TestReconcileIsolatesBadDefinitions(t *testing.T) {
	t.Parallel()

	s, _, repos := setup(t)
	ctx := context.Background()

	lib := &model.Library{ID: model.NewID(), RootPath: "/L"}
	require.NoError(t, repos.Libraries.Create(ctx, lib))

	bad := newScheduledJob(lib.ID)
	bad.CronExpression = "not a cron line"
	require.NoError(t, repos.Scheduled.Create(ctx, bad))

	good := newScheduledJob(lib.ID)
	require.NoError(t, repos.Scheduled.Create(ctx, good))

	// The malformed definition fails in isolation; the good one registers.
	require.NoError(t, s.Reconcile(ctx))
	assert.False(t, s.Registered(bad.ID))
	assert.True(t, s.Registered(good.ID))
}

func TestReconcileReregistersOnCronChange(t *testing.T) {
	t.Parallel()

	s, _, repos := setup(t)
	ctx := context.Background()

	lib := &model.Library{ID: model.NewID(), RootPath: "/L"}
	require.NoError(t, repos.Libraries.Create(ctx, lib))

	job := newScheduledJob(lib.ID)
	require.NoError(t, repos.Scheduled.Create(ctx, job))
	require.NoError(t, s.Reconcile(ctx))
	require.True(t, s.Registered(job.ID))

	// Change the expression in the catalog; the registry follows.
	require.NoError(t, repos.Scheduled.SetCronExpression(ctx, job.ID, "30 3 * * *"))
	require.NoError(t, s.Reconcile(ctx))
	assert.True(t, s.Registered(job.ID))

	stored, err := repos.Scheduled.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, 3, stored.NextRunAt.Local().Hour())
	assert.Equal(t, 30, stored.NextRunAt.Local().Minute())
}

func TestRunScheduledPublishesLibraryScan(t *testing.T) {
	t.Parallel()

	s, b, repos := setup(t)
	ctx := context.Background()

	lib := &model.Library{ID: model.NewID(), Name: "L", RootPath: "/L"}
	require.NoError(t, repos.Libraries.Create(ctx, lib))

	job := newScheduledJob(lib.ID)
	require.NoError(t, repos.Scheduled.Create(ctx, job))

	require.NoError(t, s.RunScheduled(ctx, job, model.TriggerManual))

	// One LibraryScan message tagged with the definition and run.
	require.Equal(t, 1, b.PublishedCount(bus.QueueLibraryScan))

	var received model.LibraryScan

	b.Subscribe(model.MessageLibraryScan, func(_ context.Context, payload []byte) error {
		return json.Unmarshal(payload, &received)
	})
	require.NoError(t, b.ProcessAll(ctx))

	assert.Equal(t, lib.ID, received.LibraryID)
	assert.Equal(t, "/L", received.LibraryPath)
	assert.True(t, received.IncludeSubfolders)
	require.NotNil(t, received.ScheduledJobID)
	assert.Equal(t, job.ID, *received.ScheduledJobID)
	require.NotNil(t, received.JobRunID)

	// Bookkeeping: run completed, counters bumped, next run stamped.
	run, err := repos.Runs.Get(ctx, *received.JobRunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, model.TriggerManual, run.TriggeredBy)

	stored, err := repos.Scheduled.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.RunCount)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Equal(t, model.RunCompleted, stored.LastStatus)
	require.NotNil(t, stored.NextRunAt)
}

func TestRunScheduledFailsOnMissingTarget(t *testing.T) {
	t.Parallel()

	s, b, repos := setup(t)
	ctx := context.Background()

	// Definition points at a library that does not exist.
	job := newScheduledJob(model.NewID())
	require.NoError(t, repos.Scheduled.Create(ctx, job))

	err := s.RunScheduled(ctx, job, model.TriggerScheduler)
	require.Error(t, err)

	assert.Zero(t, b.PublishedCount(bus.QueueLibraryScan))

	stored, getErr := repos.Scheduled.Get(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, int64(1), stored.FailureCount)
	assert.Equal(t, model.RunFailed, stored.LastStatus)
	assert.NotEmpty(t, stored.LastError)
}
