package catalog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

func newJob(t model.JobType, status model.JobStatus) *model.BackgroundJob {
	now := time.Now().UTC()

	return &model.BackgroundJob{
		ID:        model.NewID(),
		Type:      t,
		Status:    status,
		Stages:    map[string]*model.JobStage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryGatewayInsertAndFind(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	ctx := context.Background()

	job := newJob(model.JobCollectionScan, model.JobPending)
	require.NoError(t, gw.InsertOne(ctx, catalog.ColJobs, job.ID, job))

	// Duplicate ids are rejected.
	err := gw.InsertOne(ctx, catalog.ColJobs, job.ID, job)
	require.ErrorIs(t, err, catalog.ErrDuplicate)

	var got model.BackgroundJob

	require.NoError(t, gw.FindByID(ctx, catalog.ColJobs, job.ID, &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobPending, got.Status)

	err = gw.FindByID(ctx, catalog.ColJobs, model.NewID(), &got)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestMemoryGatewayIncFieldsConcurrent(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	ctx := context.Background()

	job := newJob(model.JobCollectionScan, model.JobInProgress)
	job.Stages[model.StageThumbnail] = &model.JobStage{Status: model.JobPending, Total: 100}
	require.NoError(t, gw.InsertOne(ctx, catalog.ColJobs, job.ID, job))

	const workers = 8

	const perWorker = 25

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range perWorker {
				_ = gw.IncFields(ctx, catalog.ColJobs, job.ID,
					map[string]int64{"stages.thumbnail.completed": 1})
			}
		}()
	}

	wg.Wait()

	var got model.BackgroundJob

	require.NoError(t, gw.FindByID(ctx, catalog.ColJobs, job.ID, &got))
	assert.Equal(t, int64(workers*perWorker), got.Stages[model.StageThumbnail].Completed)
}

func TestMemoryGatewayPushAndPull(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	ctx := context.Background()

	col := &model.Collection{ID: model.NewID(), Type: model.CollectionFolder}
	require.NoError(t, gw.InsertOne(ctx, catalog.ColCollections, col.ID, col))

	imgID := model.NewID()
	require.NoError(t, gw.PushToArray(ctx, catalog.ColCollections, col.ID, "images",
		model.ImageEmbedded{ID: imgID, Filename: "a.jpg"}))
	require.NoError(t, gw.PushToArray(ctx, catalog.ColCollections, col.ID, "images",
		model.ImageEmbedded{ID: model.NewID(), Filename: "b.jpg"}))

	var got model.Collection

	require.NoError(t, gw.FindByID(ctx, catalog.ColCollections, col.ID, &got))
	require.Len(t, got.Images, 2)

	require.NoError(t, gw.PullFromArray(ctx, catalog.ColCollections, col.ID, "images",
		catalog.Filter{"filename": "a.jpg"}))

	require.NoError(t, gw.FindByID(ctx, catalog.ColCollections, col.ID, &got))
	require.Len(t, got.Images, 1)
	assert.Equal(t, "b.jpg", got.Images[0].Filename)
}

func TestMemoryGatewayAddToSetWithRecount(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	ctx := context.Background()

	folder := &model.CacheFolder{ID: model.NewID(), Path: "/cache", IsActive: true}
	require.NoError(t, gw.InsertOne(ctx, catalog.ColCacheFolders, folder.ID, folder))

	colA := model.NewID()
	colB := model.NewID()

	inc := map[string]int64{"currentSizeBytes": 100, "totalFiles": 1}

	require.NoError(t, gw.AddToSetWithRecount(ctx, catalog.ColCacheFolders, folder.ID,
		"cachedCollectionIds", "totalCollections", colA, inc))
	require.NoError(t, gw.AddToSetWithRecount(ctx, catalog.ColCacheFolders, folder.ID,
		"cachedCollectionIds", "totalCollections", colA, inc))
	require.NoError(t, gw.AddToSetWithRecount(ctx, catalog.ColCacheFolders, folder.ID,
		"cachedCollectionIds", "totalCollections", colB, inc))

	var got model.CacheFolder

	require.NoError(t, gw.FindByID(ctx, catalog.ColCacheFolders, folder.ID, &got))

	// Invariant: totalCollections tracks the set cardinality exactly.
	assert.Equal(t, int64(2), got.TotalCollections)
	assert.Len(t, got.CachedCollectionIDs, 2)
	assert.Equal(t, int64(300), got.CurrentSizeBytes)
	assert.Equal(t, int64(3), got.TotalFiles)
}

func TestMemoryGatewayIncClampedZero(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	ctx := context.Background()

	folder := &model.CacheFolder{ID: model.NewID(), CurrentSizeBytes: 50, TotalFiles: 1}
	require.NoError(t, gw.InsertOne(ctx, catalog.ColCacheFolders, folder.ID, folder))

	require.NoError(t, gw.IncFieldsClampedZero(ctx, catalog.ColCacheFolders, folder.ID,
		map[string]int64{"currentSizeBytes": -200, "totalFiles": -5}))

	var got model.CacheFolder

	require.NoError(t, gw.FindByID(ctx, catalog.ColCacheFolders, folder.ID, &got))
	assert.Equal(t, int64(0), got.CurrentSizeBytes)
	assert.Equal(t, int64(0), got.TotalFiles)
}

func TestMemoryGatewayFindPagedFilterAndSort(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	ctx := context.Background()

	statuses := []model.JobStatus{
		model.JobPending, model.JobInProgress, model.JobCompleted, model.JobFailed,
	}

	for _, s := range statuses {
		job := newJob(model.JobCollectionScan, s)
		require.NoError(t, gw.InsertOne(ctx, catalog.ColJobs, job.ID, job))
	}

	var active []model.BackgroundJob

	err := gw.FindPaged(ctx, catalog.ColJobs,
		catalog.Filter{"status": catalog.In{model.JobPending, model.JobInProgress}},
		catalog.Sort{Field: "createdAt", Dir: catalog.Asc}, 0, 0, &active)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	var notPending []model.BackgroundJob

	err = gw.FindPaged(ctx, catalog.ColJobs,
		catalog.Filter{"status": catalog.Ne{Value: model.JobPending}},
		catalog.Sort{}, 0, 0, &notPending)
	require.NoError(t, err)
	assert.Len(t, notPending, 3)

	n, err := gw.Count(ctx, catalog.ColJobs, catalog.Filter{"status": model.JobPending})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepositoriesJobStageRoundTrip(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	repos := catalog.NewRepositories(gw)
	ctx := context.Background()

	job := newJob(model.JobResumeCollection, model.JobPending)
	job.Stages[model.StageThumbnail] = &model.JobStage{Status: model.JobPending, Total: 10}
	job.Stages[model.StageCache] = &model.JobStage{Status: model.JobPending, Total: 10}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	for range 4 {
		require.NoError(t, repos.Jobs.IncStage(ctx, job.ID, model.StageThumbnail, "completed", 1))
	}

	require.NoError(t, repos.Jobs.IncStage(ctx, job.ID, model.StageThumbnail, "skipped", 1))

	got, err := repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)

	stage := got.Stages[model.StageThumbnail]
	assert.Equal(t, int64(4), stage.Completed)
	assert.Equal(t, int64(1), stage.Skipped)
	assert.Equal(t, int64(10), stage.Total)
	assert.False(t, stage.Settled())

	// completed + failed + skipped never exceeds total in normal operation.
	assert.LessOrEqual(t, stage.Completed+stage.Failed+stage.Skipped, stage.Total)
}

func TestRepositoriesLibraryStats(t *testing.T) {
	t.Parallel()

	gw := catalog.NewMemoryGateway()
	repos := catalog.NewRepositories(gw)
	ctx := context.Background()

	lib := &model.Library{ID: model.NewID(), Name: "Main", RootPath: "/L"}
	require.NoError(t, repos.Libraries.Create(ctx, lib))

	require.NoError(t, repos.Libraries.IncStats(ctx, lib.ID, 1, 3, 30720))
	require.NoError(t, repos.Libraries.MarkScanned(ctx, lib.ID))

	got, err := repos.Libraries.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Statistics.TotalCollections)
	assert.Equal(t, int64(3), got.Statistics.TotalMediaItems)
	assert.Equal(t, int64(30720), got.Statistics.TotalSizeBytes)
	assert.Equal(t, int64(1), got.Statistics.ScanCount)
	require.NotNil(t, got.Statistics.LastScanAt)
}
