package scan_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/derive"
	"github.com/shelfline/shelfline/pkg/imgcodec"
	"github.com/shelfline/shelfline/pkg/jobtrack"
	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/navindex"
	"github.com/shelfline/shelfline/pkg/scan"
	"github.com/shelfline/shelfline/pkg/stats"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// jpegBytes renders a small decodable JPEG.
func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x * 7 % 256), G: uint8(y * 3 % 256), B: 128, A: 255}) //nolint:gosec // Bounded by modulo.
		}
	}

	var buf bytes.Buffer

	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))

	return buf.Bytes()
}

// pipeline wires the whole ingestion data plane onto in-process fakes.
type pipeline struct {
	repos   *catalog.Repositories
	bus     *bus.MemoryBus
	index   *navindex.MemoryIndex
	tracker *jobtrack.Tracker
	monitor *jobtrack.Monitor
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	repos := catalog.NewRepositories(catalog.NewMemoryGateway())
	b := bus.NewMemoryBus(3)
	idx := navindex.NewMemoryIndex(repos.Collections)
	tracker := jobtrack.NewTracker(repos.Jobs, discard())
	monitor := jobtrack.NewMonitor(repos.Jobs, jobtrack.MonitorConfig{}, discard())
	agg := stats.NewAggregator(repos.Libraries)

	scanCfg := scan.Config{
		Concurrency:  1,
		ThumbWidth:   64,
		ThumbHeight:  64,
		CacheWidth:   128,
		CacheHeight:  128,
		CacheQuality: 80,
		CacheFormat:  imgcodec.FormatJPEG,
	}

	deriveCfg := derive.Config{
		CacheRoot: t.TempDir(),
		Format:    imgcodec.FormatJPEG,
		Quality:   80,
	}

	orch := scan.NewOrchestrator(repos, tracker, b, agg, idx, scanCfg, discard())
	colCons := scan.NewCollectionConsumer(repos, tracker, b, agg, idx, scanCfg, discard())
	thumbCons := derive.NewThumbnailConsumer(repos, tracker, idx, deriveCfg, discard())
	cacheCons := derive.NewCacheConsumer(repos, tracker, deriveCfg, discard())

	b.Subscribe(model.MessageLibraryScan, orch.HandleLibraryScan)
	b.Subscribe(model.MessageCollection, colCons.Handle)
	b.Subscribe(model.MessageThumbnailGen, thumbCons.Handle)
	b.Subscribe(model.MessageCacheGen, cacheCons.Handle)

	folder := &model.CacheFolder{
		ID:                  model.NewID(),
		Path:                t.TempDir(),
		Priority:            1,
		IsActive:            true,
		CachedCollectionIDs: []model.ID{},
	}
	require.NoError(t, repos.CacheFolders.Create(context.Background(), folder))

	return &pipeline{repos: repos, bus: b, index: idx, tracker: tracker, monitor: monitor}
}

func (p *pipeline) newLibrary(t *testing.T, rootPath string) *model.Library {
	t.Helper()

	lib := &model.Library{ID: model.NewID(), Name: "test library", RootPath: rootPath}
	require.NoError(t, p.repos.Libraries.Create(context.Background(), lib))

	return lib
}

func (p *pipeline) scanLibrary(t *testing.T, lib *model.Library, resume, overwrite bool) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, p.bus.Publish(ctx, model.LibraryScan{
		Envelope:          model.NewEnvelope(model.MessageLibraryScan, uuid.NewString()),
		LibraryID:         lib.ID,
		LibraryPath:       lib.RootPath,
		ScanType:          model.ScanFull,
		IncludeSubfolders: true,
		ResumeIncomplete:  resume,
		OverwriteExisting: overwrite,
	}))

	require.NoError(t, p.bus.ProcessAll(ctx))
	require.NoError(t, p.monitor.Tick(ctx))
	// Second tick settles jobs whose counters arrived after the first pass.
	require.NoError(t, p.monitor.Tick(ctx))
}

func TestHappyPathIngestion(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	root := t.TempDir()
	folderA := filepath.Join(root, "A")
	require.NoError(t, os.MkdirAll(folderA, 0o750))

	var wantBytes int64

	for _, name := range []string{"one.jpg", "two.jpg", "three.jpg"} {
		data := jpegBytes(t, 120, 80)
		require.NoError(t, os.WriteFile(filepath.Join(folderA, name), data, 0o600))

		wantBytes += int64(len(data))
	}

	lib := p.newLibrary(t, root)
	p.scanLibrary(t, lib, false, false)

	ctx := context.Background()

	// One collection with three images and full derivative coverage.
	col, err := p.repos.Collections.FindByPath(ctx, lib.ID, folderA)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionFolder, col.Type)
	require.Len(t, col.Images, 3)
	assert.Len(t, col.Thumbnails, 3)
	assert.Len(t, col.CacheImages, 3)

	// Derivative arrays never outgrow the image array.
	assert.LessOrEqual(t, len(col.Thumbnails), len(col.Images))
	assert.LessOrEqual(t, len(col.CacheImages), len(col.Images))

	// Image metadata was probed from the stream header.
	assert.Equal(t, 120, col.Images[0].Width)
	assert.Equal(t, 80, col.Images[0].Height)
	assert.Equal(t, "jpeg", col.Images[0].Format)

	// Library statistics.
	gotLib, err := p.repos.Libraries.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotLib.Statistics.TotalCollections)
	assert.Equal(t, int64(3), gotLib.Statistics.TotalMediaItems)
	assert.Equal(t, wantBytes, gotLib.Statistics.TotalSizeBytes)
	require.NotNil(t, gotLib.Statistics.LastScanAt)

	// The scan job settled with its thumbnail and cache counters at three.
	jobs, err := p.repos.Jobs.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, int64(3), job.Stages[model.StageThumbnail].Completed)
	assert.Equal(t, int64(3), job.Stages[model.StageCache].Completed)

	for _, stage := range job.Stages {
		assert.Equal(t, stage.Total, stage.Completed+stage.Failed+stage.Skipped)
	}

	// Thumbnail files landed under the sharded layout.
	for _, d := range col.Thumbnails {
		_, statErr := os.Stat(d.Path)
		require.NoError(t, statErr)
	}

	// Cache folder accounting matches its set cardinality.
	folders, err := p.repos.CacheFolders.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, int64(3), folders[0].TotalFiles)
	assert.Equal(t, int64(len(folders[0].CachedCollectionIDs)), folders[0].TotalCollections)

	// The navigation index knows the collection.
	nav, err := p.index.Navigation(ctx, col.ID, navindex.FieldUpdatedAt, navindex.DirAsc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nav.Total)
}

func TestNestedArchiveIngestion(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o750))

	// Zip with two pages and macOS metadata junk.
	archive := filepath.Join(sub, "book.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	page := jpegBytes(t, 60, 90)

	for _, name := range []string{"p01.jpg", "p02.jpg"} {
		w, createErr := zw.Create(name)
		require.NoError(t, createErr)

		_, writeErr := w.Write(page)
		require.NoError(t, writeErr)
	}

	junk, err := zw.Create("__MACOSX/._p01.jpg")
	require.NoError(t, err)
	_, err = junk.Write([]byte("resource fork"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	lib := p.newLibrary(t, root)
	p.scanLibrary(t, lib, false, false)

	ctx := context.Background()

	col, err := p.repos.Collections.FindByPath(ctx, lib.ID, archive)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionZip, col.Type)
	assert.Equal(t, "book", col.Name)

	// macOS metadata filtered: two images only.
	require.Len(t, col.Images, 2)
	assert.Len(t, col.Thumbnails, 2)
	assert.Len(t, col.CacheImages, 2)

	paths := []string{col.Images[0].RelativePath, col.Images[1].RelativePath}
	assert.Contains(t, paths, "sub/book.zip#p01.jpg")
	assert.Contains(t, paths, "sub/book.zip#p02.jpg")
}

func TestResumeQueuesOnlyMissingDerivatives(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	root := t.TempDir()
	folderA := filepath.Join(root, "A")
	require.NoError(t, os.MkdirAll(folderA, 0o750))

	const imageCount = 10

	for i := range imageCount {
		require.NoError(t, os.WriteFile(
			filepath.Join(folderA, string(rune('a'+i))+".jpg"), jpegBytes(t, 50, 50), 0o600))
	}

	lib := p.newLibrary(t, root)
	p.scanLibrary(t, lib, false, false)

	ctx := context.Background()

	col, err := p.repos.Collections.FindByPath(ctx, lib.ID, folderA)
	require.NoError(t, err)
	require.Len(t, col.Images, imageCount)
	require.Len(t, col.Thumbnails, imageCount)

	// Simulate an interrupted run: drop the last three derivatives of each
	// kind.
	for _, img := range col.Images[7:] {
		require.NoError(t, p.repos.Collections.PullCacheImage(ctx, col.ID, img.ID,
			col.CacheImages[0].Width, col.CacheImages[0].Height))
		require.NoError(t, removeThumb(ctx, p.repos, col.ID, img.ID))
	}

	imagesBefore := snapshotImages(t, p.repos, ctx, col.ID)

	p.scanLibrary(t, lib, true, false)

	// The resume job carries the collection id and exact missing totals.
	resumeJob := findJob(t, p.repos, ctx, model.JobResumeCollection)
	require.NotNil(t, resumeJob.CollectionID)
	assert.Equal(t, col.ID, *resumeJob.CollectionID)
	assert.Equal(t, model.JobCompleted, resumeJob.Status)
	assert.Equal(t, int64(3), resumeJob.Stages[model.StageThumbnail].Total)
	assert.Equal(t, int64(3), resumeJob.Stages[model.StageCache].Total)
	assert.Equal(t, int64(3), resumeJob.Stages[model.StageThumbnail].Completed)
	assert.Equal(t, int64(3), resumeJob.Stages[model.StageCache].Completed)

	// Derivative coverage is whole again and no image record was touched.
	after, err := p.repos.Collections.Get(ctx, col.ID)
	require.NoError(t, err)
	assert.Len(t, after.Thumbnails, imageCount)
	assert.Len(t, after.CacheImages, imageCount)
	assert.Equal(t, imagesBefore, snapshotImages(t, p.repos, ctx, col.ID))
}

func TestResumeCompleteCollectionQueuesNothing(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	root := t.TempDir()
	folderA := filepath.Join(root, "A")
	require.NoError(t, os.MkdirAll(folderA, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(folderA, "a.jpg"), jpegBytes(t, 50, 50), 0o600))

	lib := p.newLibrary(t, root)
	p.scanLibrary(t, lib, false, false)

	// Everything is complete; a resume queues zero messages but the job
	// still settles through the monitor.
	p.scanLibrary(t, lib, true, false)

	ctx := context.Background()
	resumeJob := findJob(t, p.repos, ctx, model.JobResumeCollection)
	assert.Equal(t, model.JobCompleted, resumeJob.Status)
	assert.Equal(t, int64(0), resumeJob.Stages[model.StageThumbnail].Total)
	assert.Equal(t, int64(0), resumeJob.Stages[model.StageCache].Total)
}

func TestLegacyEntryPathRewrittenOnResume(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	root := t.TempDir()

	// Real archive on disk.
	archive := filepath.Join(root, "book.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	w, err := zw.Create("page1.jpg")
	require.NoError(t, err)
	_, err = w.Write(jpegBytes(t, 40, 40))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	lib := p.newLibrary(t, root)
	ctx := context.Background()

	// Catalog carries the legacy backslash form from an earlier system.
	col := &model.Collection{
		ID:        model.NewID(),
		LibraryID: lib.ID,
		Name:      "book",
		Path:      archive,
		Type:      model.CollectionZip,
		Images: []model.ImageEmbedded{{
			ID:           model.NewID(),
			Filename:     "page1.jpg",
			RelativePath: `book.zip\page1.jpg`,
			SizeBytes:    100,
		}},
		Thumbnails:  []model.DerivativeEmbedded{},
		CacheImages: []model.DerivativeEmbedded{},
	}
	require.NoError(t, p.repos.Collections.Create(ctx, col))

	var published model.ThumbnailGen

	p.bus.Subscribe(model.MessageThumbnailGen, func(handlerCtx context.Context, payload []byte) error {
		if published.ImagePath == "" {
			require.NoError(t, json.Unmarshal(payload, &published))
		}

		thumbCons := derive.NewThumbnailConsumer(p.repos, p.tracker,
			p.index, derive.Config{CacheRoot: t.TempDir(), Format: imgcodec.FormatJPEG}, discard())

		return thumbCons.Handle(handlerCtx, payload)
	})

	p.scanLibrary(t, lib, true, false)

	// The published path uses the canonical '#' form and the consumer
	// opened the entry successfully.
	assert.Contains(t, published.ImagePath, "book.zip#page1.jpg")

	resumeJob := findJob(t, p.repos, ctx, model.JobResumeCollection)
	assert.Equal(t, model.JobCompleted, resumeJob.Status)
	assert.Equal(t, int64(1), resumeJob.Stages[model.StageThumbnail].Completed)
	assert.Equal(t, int64(0), resumeJob.Stages[model.StageThumbnail].Failed)
}

func TestThumbnailRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	root := t.TempDir()
	folderA := filepath.Join(root, "A")
	require.NoError(t, os.MkdirAll(folderA, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(folderA, "a.jpg"), jpegBytes(t, 50, 50), 0o600))

	lib := p.newLibrary(t, root)
	p.scanLibrary(t, lib, false, false)

	ctx := context.Background()

	col, err := p.repos.Collections.FindByPath(ctx, lib.ID, folderA)
	require.NoError(t, err)
	require.Len(t, col.Thumbnails, 1)

	job := findJob(t, p.repos, ctx, model.JobCollectionScan)

	// Re-deliver the same message by hand.
	thumbCons := derive.NewThumbnailConsumer(p.repos, p.tracker, p.index,
		derive.Config{CacheRoot: filepath.Dir(filepath.Dir(col.Thumbnails[0].Path)), Format: imgcodec.FormatJPEG},
		discard())

	msg := model.ThumbnailGen{
		Envelope:     model.NewEnvelope(model.MessageThumbnailGen, uuid.NewString()),
		ImageID:      col.Images[0].ID,
		CollectionID: col.ID,
		ImagePath:    filepath.Join(folderA, "a.jpg"),
		Filename:     "a.jpg",
		Width:        col.Thumbnails[0].Width,
		Height:       col.Thumbnails[0].Height,
		JobID:        job.ID,
	}

	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, thumbCons.Handle(ctx, payload))

	// No duplicate record; the skip counter moved instead.
	after, err := p.repos.Collections.Get(ctx, col.ID)
	require.NoError(t, err)
	assert.Len(t, after.Thumbnails, 1)

	gotJob, err := p.repos.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotJob.Stages[model.StageThumbnail].Skipped)
}

func TestSecondScanSkipsCompleteCollections(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	root := t.TempDir()
	folderA := filepath.Join(root, "A")
	require.NoError(t, os.MkdirAll(folderA, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(folderA, "a.jpg"), jpegBytes(t, 50, 50), 0o600))

	lib := p.newLibrary(t, root)
	p.scanLibrary(t, lib, false, false)
	p.scanLibrary(t, lib, false, false)

	ctx := context.Background()

	// Skip mode: the second sweep created no extra jobs beyond the first
	// collection-scan.
	jobs, err := p.repos.Jobs.ListRecent(ctx, 20)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	gotLib, err := p.repos.Libraries.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotLib.Statistics.TotalCollections)
	assert.Equal(t, int64(1), gotLib.Statistics.TotalMediaItems, "unexpected duplicate image records")
}

// Helpers.

func findJob(t *testing.T, repos *catalog.Repositories, ctx context.Context, jobType model.JobType) *model.BackgroundJob {
	t.Helper()

	jobs, err := repos.Jobs.ListRecent(ctx, 50)
	require.NoError(t, err)

	for i := range jobs {
		if jobs[i].Type == jobType {
			return &jobs[i]
		}
	}

	t.Fatalf("no %s job found", jobType)

	return nil
}

func snapshotImages(t *testing.T, repos *catalog.Repositories, ctx context.Context, id model.ID) []model.ImageEmbedded {
	t.Helper()

	col, err := repos.Collections.Get(ctx, id)
	require.NoError(t, err)

	return col.Images
}

func removeThumb(ctx context.Context, repos *catalog.Repositories, colID, imageID model.ID) error {
	col, err := repos.Collections.Get(ctx, colID)
	if err != nil {
		return err
	}

	for _, d := range col.Thumbnails {
		if d.ImageID == imageID {
			return repos.Collections.PullThumbnail(ctx, colID, d.ImageID, d.Width, d.Height)
		}
	}

	return nil
}
