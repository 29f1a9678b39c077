package derive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/fsprobe"
	"github.com/shelfline/shelfline/pkg/imgcodec"
	"github.com/shelfline/shelfline/pkg/jobtrack"
	"github.com/shelfline/shelfline/pkg/model"
)

// CacheConsumer consumes CacheGen messages, producing the larger scaled
// copies used for fast full-size browsing.
type CacheConsumer struct {
	repos    *catalog.Repositories
	tracker  *jobtrack.Tracker
	selector *FolderSelector
	cfg      Config
	logger   *slog.Logger
}

// NewCacheConsumer wires the cache consumer.
func NewCacheConsumer(repos *catalog.Repositories, tracker *jobtrack.Tracker, cfg Config, logger *slog.Logger) *CacheConsumer {
	cfg.applyDefaults()

	return &CacheConsumer{
		repos:    repos,
		tracker:  tracker,
		selector: NewFolderSelector(repos.CacheFolders, cfg.FolderSoftCapBytes),
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle processes one CacheGen message. The target path comes from the
// message when present, otherwise from the folder selector. Folder
// accounting is a single server-side update that keeps totalCollections in
// lockstep with the cached-collection set.
func (cc *CacheConsumer) Handle(ctx context.Context, payload []byte) error {
	var msg model.CacheGen

	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: cache gen: %v", bus.ErrValidation, err)
	}

	imagePath := fsprobe.FixLegacyEntryPath(msg.ImagePath)

	col, err := cc.repos.Collections.Get(ctx, msg.CollectionID)
	if err != nil || col.IsDeleted {
		return fmt.Errorf("collection %s: %w", msg.CollectionID.Hex(), bus.ErrGone)
	}

	if cc.tracker.IsCancelled(ctx, msg.JobID) {
		return nil
	}

	if !msg.ForceRegenerate &&
		model.HasDerivative(col.CacheImages, msg.ImageID, msg.Width, msg.Height) &&
		fileReachable(existingPath(col.CacheImages, msg.ImageID, msg.Width, msg.Height)) {
		return cc.tracker.IncStage(ctx, msg.JobID, model.StageCache, jobtrack.CounterSkipped)
	}

	format := msg.Format
	if format == "" {
		format = cc.cfg.Format
	}

	folder, outPath, err := cc.resolveTarget(ctx, &msg, format)
	if err != nil {
		return err
	}

	encoded, err := cc.produce(imagePath, msg.Width, msg.Height, format, msg.Quality)
	if err != nil {
		cc.tracker.RecordItemError(ctx, msg.JobID, fmt.Errorf("image %s: %w", msg.ImageID.Hex(), err))

		if incErr := cc.tracker.IncStage(ctx, msg.JobID, model.StageCache, jobtrack.CounterFailed); incErr != nil {
			return incErr
		}

		cc.logger.WarnContext(ctx, "cache image failed",
			slog.String("image_id", msg.ImageID.Hex()),
			slog.String("path", imagePath),
			slog.String("error", err.Error()))

		return nil
	}

	size, err := writeAtomic(outPath, func(w io.Writer) error {
		_, copyErr := w.Write(encoded)

		return copyErr
	})
	if err != nil {
		return err
	}

	record := model.DerivativeEmbedded{
		ImageID:   msg.ImageID,
		Width:     msg.Width,
		Height:    msg.Height,
		Path:      outPath,
		SizeBytes: size,
		CreatedAt: time.Now().UTC(),
	}

	if err := cc.repos.Collections.AddCacheImage(ctx, col.ID, record); err != nil {
		return err
	}

	if folder != nil {
		if err := cc.repos.CacheFolders.RecordFile(ctx, folder.ID, col.ID, size); err != nil {
			return err
		}
	}

	return cc.tracker.IncStage(ctx, msg.JobID, model.StageCache, jobtrack.CounterCompleted)
}

// resolveTarget picks the output path and its owning folder. An explicit
// cachePath in the message wins; the folder is then resolved by path prefix
// for accounting, tolerating paths outside any registered folder.
func (cc *CacheConsumer) resolveTarget(ctx context.Context, msg *model.CacheGen, format string) (*model.CacheFolder, string, error) {
	if msg.CachePath != "" {
		folder, err := cc.selector.FolderForPath(ctx, msg.CachePath)
		if err != nil {
			return nil, msg.CachePath, nil //nolint:nilerr // Unregistered path: write without accounting.
		}

		return folder, msg.CachePath, nil
	}

	folder, err := cc.selector.Select(ctx, msg.ImageID)
	if err != nil {
		return nil, "", fmt.Errorf("select cache folder: %w", err)
	}

	return folder, CachePath(folder.Path, msg.ImageID, msg.Width, msg.Height, imgcodec.Ext(format)), nil
}

// produce decodes, downscales, and encodes one cache copy in memory.
func (cc *CacheConsumer) produce(imagePath string, width, height int, format string, quality int) ([]byte, error) {
	rc, err := fsprobe.OpenImageStream(imagePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, _, err := imgcodec.Decode(rc)
	if err != nil {
		return nil, err
	}

	scaled := imgcodec.Downscale(img, width, height)

	if quality <= 0 {
		quality = cc.cfg.Quality
	}

	var buf bytes.Buffer

	if err := imgcodec.Encode(&buf, scaled, format, quality); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Cleaner removes the cache files of soft-deleted collections, releasing
// folder accounting (clamped at zero) and clearing the derivative records.
type Cleaner struct {
	repos   *catalog.Repositories
	tracker *jobtrack.Tracker
	logger  *slog.Logger
}

// NewCleaner wires the cache cleaner.
func NewCleaner(repos *catalog.Repositories, tracker *jobtrack.Tracker, logger *slog.Logger) *Cleaner {
	return &Cleaner{repos: repos, tracker: tracker, logger: logger}
}

// CleanCollection removes every cache file of one collection under a
// cache-cleanup job, reporting per-file progress through the job's cache
// stage.
func (c *Cleaner) CleanCollection(ctx context.Context, collectionID model.ID) (*model.BackgroundJob, error) {
	col, err := c.repos.Collections.Get(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	job, err := c.tracker.CreateJob(ctx, model.JobCacheCleanup, &collectionID, &col.LibraryID,
		map[string]int64{model.StageCache: int64(len(col.CacheImages))})
	if err != nil {
		return nil, err
	}

	folders, err := c.repos.CacheFolders.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	for i := range col.CacheImages {
		if err := ctx.Err(); err != nil {
			return job, fmt.Errorf("cache cleanup: %w", err)
		}

		d := col.CacheImages[i]

		if removeErr := removeFile(d.Path); removeErr != nil {
			c.tracker.RecordItemError(ctx, job.ID, removeErr)

			if incErr := c.tracker.IncStage(ctx, job.ID, model.StageCache, jobtrack.CounterFailed); incErr != nil {
				return job, incErr
			}

			continue
		}

		if folder := owningFolder(folders, d.Path); folder != nil {
			if relErr := c.repos.CacheFolders.ReleaseFile(ctx, folder.ID, d.SizeBytes); relErr != nil {
				return job, relErr
			}
		}

		if err := c.repos.Collections.PullCacheImage(ctx, collectionID, d.ImageID, d.Width, d.Height); err != nil {
			return job, err
		}

		if err := c.tracker.IncStage(ctx, job.ID, model.StageCache, jobtrack.CounterCompleted); err != nil {
			return job, err
		}
	}

	c.logger.InfoContext(ctx, "cache cleanup finished",
		slog.String("collection_id", collectionID.Hex()),
		slog.Int("files", len(col.CacheImages)))

	return job, nil
}

func owningFolder(folders []model.CacheFolder, path string) *model.CacheFolder {
	for i := range folders {
		f := &folders[i]
		if f.Path != "" && len(path) >= len(f.Path) && path[:len(f.Path)] == f.Path {
			return f
		}
	}

	return nil
}

func removeFile(path string) error {
	if !fileReachable(path) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return nil
}
