package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/shelfline/shelfline/pkg/model"
)

// Repositories bundles the typed views over one gateway.
type Repositories struct {
	Libraries    *Libraries
	Collections  *Collections
	Jobs         *Jobs
	Scheduled    *ScheduledJobs
	Runs         *ScheduledJobRuns
	CacheFolders *CacheFolders
}

// NewRepositories wires every typed repository to the gateway.
func NewRepositories(gw Gateway) *Repositories {
	return &Repositories{
		Libraries:    &Libraries{gw: gw},
		Collections:  &Collections{gw: gw},
		Jobs:         &Jobs{gw: gw},
		Scheduled:    &ScheduledJobs{gw: gw},
		Runs:         &ScheduledJobRuns{gw: gw},
		CacheFolders: &CacheFolders{gw: gw},
	}
}

// Libraries is the typed view over library documents.
type Libraries struct {
	gw Gateway
}

// Get loads one library.
func (r *Libraries) Get(ctx context.Context, id model.ID) (*model.Library, error) {
	var lib model.Library

	if err := r.gw.FindByID(ctx, ColLibraries, id, &lib); err != nil {
		return nil, err
	}

	return &lib, nil
}

// Create stores a new library.
func (r *Libraries) Create(ctx context.Context, lib *model.Library) error {
	return r.gw.InsertOne(ctx, ColLibraries, lib.ID, lib)
}

// IncStats atomically adjusts the library counters.
func (r *Libraries) IncStats(ctx context.Context, id model.ID, collections, items, bytes int64) error {
	inc := map[string]int64{}

	if collections != 0 {
		inc["statistics.totalCollections"] = collections
	}

	if items != 0 {
		inc["statistics.totalMediaItems"] = items
	}

	if bytes != 0 {
		inc["statistics.totalSizeBytes"] = bytes
	}

	if len(inc) == 0 {
		return nil
	}

	return r.gw.IncFields(ctx, ColLibraries, id, inc)
}

// MarkScanned stamps the scan bookkeeping fields and bumps scanCount.
func (r *Libraries) MarkScanned(ctx context.Context, id model.ID) error {
	now := time.Now().UTC()

	if err := r.gw.SetFields(ctx, ColLibraries, id, map[string]any{
		"statistics.lastScanAt":     now,
		"statistics.lastActivityAt": now,
	}); err != nil {
		return err
	}

	return r.gw.IncFields(ctx, ColLibraries, id, map[string]int64{"statistics.scanCount": 1})
}

// Collections is the typed view over collection documents.
type Collections struct {
	gw Gateway
}

// Get loads one collection with its embedded records.
func (r *Collections) Get(ctx context.Context, id model.ID) (*model.Collection, error) {
	var col model.Collection

	if err := r.gw.FindByID(ctx, ColCollections, id, &col); err != nil {
		return nil, err
	}

	return &col, nil
}

// Create stores a new collection.
func (r *Collections) Create(ctx context.Context, col *model.Collection) error {
	return r.gw.InsertOne(ctx, ColCollections, col.ID, col)
}

// FindByPath looks a collection up by its library and path.
func (r *Collections) FindByPath(ctx context.Context, libraryID model.ID, path string) (*model.Collection, error) {
	var col model.Collection

	err := r.gw.FindOne(ctx, ColCollections, Filter{"libraryId": libraryID, "path": path}, &col)
	if err != nil {
		return nil, err
	}

	return &col, nil
}

// AddImage appends an image record and bumps the collection statistics in
// the same logical step (two atomic document updates).
func (r *Collections) AddImage(ctx context.Context, id model.ID, img model.ImageEmbedded) error {
	if err := r.gw.PushToArray(ctx, ColCollections, id, "images", img); err != nil {
		return err
	}

	return r.gw.IncFields(ctx, ColCollections, id, map[string]int64{
		"statistics.imageCount":     1,
		"statistics.totalSizeBytes": img.SizeBytes,
	})
}

// AddThumbnail appends a thumbnail record.
func (r *Collections) AddThumbnail(ctx context.Context, id model.ID, d model.DerivativeEmbedded) error {
	return r.gw.PushToArray(ctx, ColCollections, id, "thumbnails", d)
}

// AddCacheImage appends a cache image record.
func (r *Collections) AddCacheImage(ctx context.Context, id model.ID, d model.DerivativeEmbedded) error {
	return r.gw.PushToArray(ctx, ColCollections, id, "cacheImages", d)
}

// PullThumbnail removes one thumbnail record by its composite key.
func (r *Collections) PullThumbnail(ctx context.Context, id, imageID model.ID, width, height int) error {
	return r.gw.PullFromArray(ctx, ColCollections, id, "thumbnails", Filter{
		"imageId": imageID,
		"width":   width,
		"height":  height,
	})
}

// PullCacheImage removes one cache image record by its composite key.
func (r *Collections) PullCacheImage(ctx context.Context, id, imageID model.ID, width, height int) error {
	return r.gw.PullFromArray(ctx, ColCollections, id, "cacheImages", Filter{
		"imageId": imageID,
		"width":   width,
		"height":  height,
	})
}

// ClearDerivatives empties both derivative arrays (force-rescan path).
func (r *Collections) ClearDerivatives(ctx context.Context, id model.ID) error {
	return r.gw.SetFields(ctx, ColCollections, id, map[string]any{
		"thumbnails":  []model.DerivativeEmbedded{},
		"cacheImages": []model.DerivativeEmbedded{},
	})
}

// Touch stamps updatedAt.
func (r *Collections) Touch(ctx context.Context, id model.ID) error {
	return r.gw.SetFields(ctx, ColCollections, id, map[string]any{"updatedAt": time.Now().UTC()})
}

// SoftDelete marks the collection deleted without removing the document.
func (r *Collections) SoftDelete(ctx context.Context, id model.ID) error {
	return r.gw.SetFields(ctx, ColCollections, id, map[string]any{
		"isDeleted": true,
		"updatedAt": time.Now().UTC(),
	})
}

// ListActivePage returns one page of non-deleted collections ordered by the
// given sort. Used by the navigation-index rebuild and fallback paths.
func (r *Collections) ListActivePage(ctx context.Context, sort Sort, skip, limit int64) ([]model.Collection, error) {
	var cols []model.Collection

	err := r.gw.FindPaged(ctx, ColCollections, Filter{"isDeleted": false}, sort, skip, limit, &cols)
	if err != nil {
		return nil, err
	}

	return cols, nil
}

// CountActive returns the number of non-deleted collections.
func (r *Collections) CountActive(ctx context.Context) (int64, error) {
	return r.gw.Count(ctx, ColCollections, Filter{"isDeleted": false})
}

// Jobs is the typed view over background job documents.
type Jobs struct {
	gw Gateway
}

// Get loads one job.
func (r *Jobs) Get(ctx context.Context, id model.ID) (*model.BackgroundJob, error) {
	var job model.BackgroundJob

	if err := r.gw.FindByID(ctx, ColJobs, id, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

// Create stores a new job.
func (r *Jobs) Create(ctx context.Context, job *model.BackgroundJob) error {
	return r.gw.InsertOne(ctx, ColJobs, job.ID, job)
}

// IncStage atomically increments one stage counter field
// (e.g. "completed", "failed", "skipped", "total").
func (r *Jobs) IncStage(ctx context.Context, id model.ID, stage, counter string, delta int64) error {
	field := fmt.Sprintf("stages.%s.%s", stage, counter)

	return r.gw.IncFields(ctx, ColJobs, id, map[string]int64{field: delta})
}

// SetStatus transitions the job status, stamping the matching timestamp.
func (r *Jobs) SetStatus(ctx context.Context, id model.ID, status model.JobStatus, message string) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"status":    status,
		"updatedAt": now,
	}

	if message != "" {
		fields["message"] = message
	}

	if status == model.JobInProgress {
		fields["startedAt"] = now
	}

	if status.Terminal() {
		fields["completedAt"] = now
	}

	return r.gw.SetFields(ctx, ColJobs, id, fields)
}

// RecordError stores the most recent per-item error on the job.
func (r *Jobs) RecordError(ctx context.Context, id model.ID, msg string) error {
	return r.gw.SetFields(ctx, ColJobs, id, map[string]any{
		"lastError": msg,
		"updatedAt": time.Now().UTC(),
	})
}

// ListWatched returns every job the monitor must inspect: non-terminal
// status and a stage-bearing type.
func (r *Jobs) ListWatched(ctx context.Context, types []model.JobType) ([]model.BackgroundJob, error) {
	statuses := In{model.JobPending, model.JobInProgress}

	typeFilter := make(In, 0, len(types))
	for _, t := range types {
		typeFilter = append(typeFilter, t)
	}

	var jobs []model.BackgroundJob

	err := r.gw.FindPaged(ctx, ColJobs, Filter{"status": statuses, "type": typeFilter},
		Sort{Field: "createdAt", Dir: Asc}, 0, 0, &jobs)
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// ListRecent returns the most recently updated jobs.
func (r *Jobs) ListRecent(ctx context.Context, limit int64) ([]model.BackgroundJob, error) {
	var jobs []model.BackgroundJob

	err := r.gw.FindPaged(ctx, ColJobs, Filter{}, Sort{Field: "updatedAt", Dir: Desc}, 0, limit, &jobs)
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// ScheduledJobs is the typed view over scheduled job definitions.
type ScheduledJobs struct {
	gw Gateway
}

// Get loads one scheduled job.
func (r *ScheduledJobs) Get(ctx context.Context, id model.ID) (*model.ScheduledJob, error) {
	var job model.ScheduledJob

	if err := r.gw.FindByID(ctx, ColScheduled, id, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

// Create stores a new scheduled job.
func (r *ScheduledJobs) Create(ctx context.Context, job *model.ScheduledJob) error {
	return r.gw.InsertOne(ctx, ColScheduled, job.ID, job)
}

// ListEnabled returns all enabled, non-deleted definitions.
func (r *ScheduledJobs) ListEnabled(ctx context.Context) ([]model.ScheduledJob, error) {
	var jobs []model.ScheduledJob

	err := r.gw.FindPaged(ctx, ColScheduled, Filter{"isEnabled": true, "isDeleted": false},
		Sort{Field: "name", Dir: Asc}, 0, 0, &jobs)
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// ListAll returns every non-deleted definition.
func (r *ScheduledJobs) ListAll(ctx context.Context) ([]model.ScheduledJob, error) {
	var jobs []model.ScheduledJob

	err := r.gw.FindPaged(ctx, ColScheduled, Filter{"isDeleted": false},
		Sort{Field: "name", Dir: Asc}, 0, 0, &jobs)
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// SetCronExpression updates a definition's schedule.
func (r *ScheduledJobs) SetCronExpression(ctx context.Context, id model.ID, spec string) error {
	return r.gw.SetFields(ctx, ColScheduled, id, map[string]any{"cronExpression": spec})
}

// SetEnabled toggles a definition.
func (r *ScheduledJobs) SetEnabled(ctx context.Context, id model.ID, enabled bool) error {
	return r.gw.SetFields(ctx, ColScheduled, id, map[string]any{"isEnabled": enabled})
}

// RecordRun updates the definition's bookkeeping after a firing.
func (r *ScheduledJobs) RecordRun(ctx context.Context, id model.ID, status model.RunStatus, lastErr string, nextRunAt *time.Time) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"lastRunAt":  now,
		"lastStatus": status,
		"lastError":  lastErr,
	}

	if nextRunAt != nil {
		fields["nextRunAt"] = nextRunAt.UTC()
	}

	if err := r.gw.SetFields(ctx, ColScheduled, id, fields); err != nil {
		return err
	}

	inc := map[string]int64{"runCount": 1}
	if status == model.RunCompleted {
		inc["successCount"] = 1
	} else {
		inc["failureCount"] = 1
	}

	return r.gw.IncFields(ctx, ColScheduled, id, inc)
}

// SetNextRun stamps the next firing time computed from the cron expression.
func (r *ScheduledJobs) SetNextRun(ctx context.Context, id model.ID, at time.Time) error {
	return r.gw.SetFields(ctx, ColScheduled, id, map[string]any{"nextRunAt": at.UTC()})
}

// ScheduledJobRuns is the typed view over run records.
type ScheduledJobRuns struct {
	gw Gateway
}

// Create stores a new run record.
func (r *ScheduledJobRuns) Create(ctx context.Context, run *model.ScheduledJobRun) error {
	return r.gw.InsertOne(ctx, ColRuns, run.ID, run)
}

// Finish marks a run completed or failed.
func (r *ScheduledJobRuns) Finish(ctx context.Context, id model.ID, status model.RunStatus, errMsg string, started time.Time) error {
	now := time.Now().UTC()

	return r.gw.SetFields(ctx, ColRuns, id, map[string]any{
		"status":       status,
		"completedAt":  now,
		"durationMs":   now.Sub(started).Milliseconds(),
		"errorMessage": errMsg,
	})
}

// Get loads one run record.
func (r *ScheduledJobRuns) Get(ctx context.Context, id model.ID) (*model.ScheduledJobRun, error) {
	var run model.ScheduledJobRun

	if err := r.gw.FindByID(ctx, ColRuns, id, &run); err != nil {
		return nil, err
	}

	return &run, nil
}

// CacheFolders is the typed view over cache folder documents.
type CacheFolders struct {
	gw Gateway
}

// Get loads one cache folder.
func (r *CacheFolders) Get(ctx context.Context, id model.ID) (*model.CacheFolder, error) {
	var folder model.CacheFolder

	if err := r.gw.FindByID(ctx, ColCacheFolders, id, &folder); err != nil {
		return nil, err
	}

	return &folder, nil
}

// Create stores a new cache folder.
func (r *CacheFolders) Create(ctx context.Context, folder *model.CacheFolder) error {
	return r.gw.InsertOne(ctx, ColCacheFolders, folder.ID, folder)
}

// ListActive returns active folders ordered by priority ascending.
func (r *CacheFolders) ListActive(ctx context.Context) ([]model.CacheFolder, error) {
	var folders []model.CacheFolder

	err := r.gw.FindPaged(ctx, ColCacheFolders, Filter{"isActive": true},
		Sort{Field: "priority", Dir: Asc}, 0, 0, &folders)
	if err != nil {
		return nil, err
	}

	return folders, nil
}

// RecordFile accounts for one written cache file: size and file count are
// incremented and the owning collection is unioned into the folder's set,
// with totalCollections recomputed in the same server-side operation.
func (r *CacheFolders) RecordFile(ctx context.Context, id, collectionID model.ID, sizeBytes int64) error {
	return r.gw.AddToSetWithRecount(ctx, ColCacheFolders, id,
		"cachedCollectionIds", "totalCollections", collectionID,
		map[string]int64{
			"currentSizeBytes": sizeBytes,
			"totalFiles":       1,
		})
}

// ReleaseFile accounts for one removed cache file. Decrements clamp at zero.
func (r *CacheFolders) ReleaseFile(ctx context.Context, id model.ID, sizeBytes int64) error {
	return r.gw.IncFieldsClampedZero(ctx, ColCacheFolders, id, map[string]int64{
		"currentSizeBytes": -sizeBytes,
		"totalFiles":       -1,
	})
}
