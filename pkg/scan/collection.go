package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/fsprobe"
	"github.com/shelfline/shelfline/pkg/imgcodec"
	"github.com/shelfline/shelfline/pkg/jobtrack"
	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/navindex"
	"github.com/shelfline/shelfline/pkg/stats"
)

// CollectionConsumer consumes CollectionScan messages: it enumerates the
// images of one collection, persists new image records, and queues one
// thumbnail and one cache message per image lacking the derivative.
type CollectionConsumer struct {
	repos   *catalog.Repositories
	tracker *jobtrack.Tracker
	bus     bus.Bus
	stats   *stats.Aggregator
	index   navindex.Index
	cfg     Config
	logger  *slog.Logger
}

// NewCollectionConsumer wires the collection-scan consumer.
func NewCollectionConsumer(repos *catalog.Repositories, tracker *jobtrack.Tracker, b bus.Bus, agg *stats.Aggregator, index navindex.Index, cfg Config, logger *slog.Logger) *CollectionConsumer {
	cfg.applyDefaults()

	return &CollectionConsumer{
		repos:   repos,
		tracker: tracker,
		bus:     b,
		stats:   agg,
		index:   index,
		cfg:     cfg,
		logger:  logger,
	}
}

// discovered is one image found on disk or inside an archive.
type discovered struct {
	relativePath string
	filename     string
	sizeBytes    int64
}

// Handle processes one CollectionScan message. Re-delivery is safe: images
// already persisted under the same (collection, relativePath) are skipped,
// and a job whose scan stage already settled is acked without side effects.
func (c *CollectionConsumer) Handle(ctx context.Context, payload []byte) error {
	var msg model.CollectionScan

	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: collection scan: %v", bus.ErrValidation, err)
	}

	col, err := c.repos.Collections.Get(ctx, msg.CollectionID)
	if err != nil || col.IsDeleted {
		return fmt.Errorf("collection %s: %w", msg.CollectionID.Hex(), bus.ErrGone)
	}

	// Cancelled owner: drain without side effects.
	if c.tracker.IsCancelled(ctx, msg.JobID) {
		return nil
	}

	job, err := c.repos.Jobs.Get(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("job %s: %w", msg.JobID.Hex(), bus.ErrGone)
	}

	if scanStage, ok := job.Stages[model.StageScan]; ok && scanStage.Settled() {
		// Re-delivered after a completed pass.
		return nil
	}

	if msg.ForceRescan {
		if err := c.repos.Collections.ClearDerivatives(ctx, col.ID); err != nil {
			return err
		}
	}

	lib, err := c.repos.Libraries.Get(ctx, col.LibraryID)
	if err != nil {
		return fmt.Errorf("library %s: %w", col.LibraryID.Hex(), bus.ErrGone)
	}

	found, err := c.enumerate(col, lib)
	if err != nil {
		// Unreadable source: fail the scan stage once and ack.
		c.tracker.RecordItemError(ctx, msg.JobID, err)

		if incErr := c.tracker.IncStage(ctx, msg.JobID, model.StageScan, jobtrack.CounterFailed); incErr != nil {
			return incErr
		}

		return fmt.Errorf("enumerate %s: %w", col.Path, bus.ErrCorrupt)
	}

	newCount, newBytes, err := c.persistNew(ctx, col, found)
	if err != nil {
		return err
	}

	// Reload to see the union of prior and fresh images, then queue exactly
	// the missing derivatives. Totals grow before any publish.
	col, err = c.repos.Collections.Get(ctx, msg.CollectionID)
	if err != nil {
		return fmt.Errorf("collection %s: %w", msg.CollectionID.Hex(), bus.ErrGone)
	}

	if err := c.queueDerivatives(ctx, col, &msg); err != nil {
		return err
	}

	if newCount > 0 {
		if err := c.stats.IncrementLibraryStats(ctx, lib.ID, stats.Delta{MediaItems: newCount, SizeBytes: newBytes}); err != nil {
			return err
		}
	}

	if err := c.repos.Collections.Touch(ctx, col.ID); err != nil {
		return err
	}

	if err := c.index.AddOrUpdate(ctx, navindex.SummaryOf(col)); err != nil {
		c.logger.WarnContext(ctx, "index update failed",
			slog.String("collection_id", col.ID.Hex()),
			slog.String("error", err.Error()))
	}

	if err := c.tracker.IncStage(ctx, msg.JobID, model.StageScan, jobtrack.CounterCompleted); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "collection scanned",
		slog.String("collection_id", col.ID.Hex()),
		slog.Int64("new_images", newCount),
		slog.Int("total_images", len(col.Images)))

	return nil
}

// enumerate lists the images of a collection from its backing store.
func (c *CollectionConsumer) enumerate(col *model.Collection, lib *model.Library) ([]discovered, error) {
	if col.Type.IsArchive() {
		return enumerateArchiveImages(col, lib)
	}

	return enumerateFolderImages(col)
}

// enumerateArchiveImages lists image entries of an archive collection.
// Relative paths keep the archive's library-relative location ahead of the
// '#' separator, so records remain stable if the library root moves.
func enumerateArchiveImages(col *model.Collection, lib *model.Library) ([]discovered, error) {
	entries, err := fsprobe.EnumerateEntries(col.Path)
	if err != nil {
		return nil, err
	}

	archiveRel, err := filepath.Rel(lib.RootPath, col.Path)
	if err != nil {
		archiveRel = filepath.Base(col.Path)
	}

	archiveRel = filepath.ToSlash(archiveRel)

	var found []discovered

	for _, entry := range entries {
		if entry.IsDirectory || !fsprobe.IsImageFile(entry.Path) {
			continue
		}

		found = append(found, discovered{
			relativePath: fsprobe.NormalizeEntryRef(archiveRel, entry.Path),
			filename:     filepath.Base(entry.Path),
			sizeBytes:    entry.Size,
		})
	}

	return found, nil
}

// enumerateFolderImages lists the direct image files of a directory
// collection. Subdirectories and nested archives are collections of their
// own and are not treated as images here.
func enumerateFolderImages(col *model.Collection) ([]discovered, error) {
	entries, err := os.ReadDir(col.Path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", col.Path, err)
	}

	var found []discovered

	for _, e := range entries {
		if e.IsDir() || !fsprobe.IsImageFile(e.Name()) {
			continue
		}

		info, infoErr := e.Info()
		if infoErr != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), infoErr)
		}

		found = append(found, discovered{
			relativePath: e.Name(),
			filename:     e.Name(),
			sizeBytes:    info.Size(),
		})
	}

	return found, nil
}

// persistNew appends records for images not yet known to the collection,
// detected by normalized relative path. Dimensions are probed from the
// stream header; a failed probe is not fatal to the record.
func (c *CollectionConsumer) persistNew(ctx context.Context, col *model.Collection, found []discovered) (newCount, newBytes int64, err error) {
	known := make(map[string]bool, len(col.Images))
	for i := range col.Images {
		known[fsprobe.FixLegacyEntryPath(col.Images[i].RelativePath)] = true
	}

	for _, d := range found {
		if known[d.relativePath] {
			continue
		}

		img := model.ImageEmbedded{
			ID:           model.NewID(),
			Filename:     d.filename,
			RelativePath: d.relativePath,
			SizeBytes:    d.sizeBytes,
			AddedAt:      time.Now().UTC(),
		}

		c.probeDimensions(col, &img)

		if addErr := c.repos.Collections.AddImage(ctx, col.ID, img); addErr != nil {
			return newCount, newBytes, addErr
		}

		newCount++
		newBytes += d.sizeBytes
	}

	return newCount, newBytes, nil
}

// probeDimensions fills width/height/format from the stream header.
func (c *CollectionConsumer) probeDimensions(col *model.Collection, img *model.ImageEmbedded) {
	rc, err := fsprobe.OpenImageStream(ImageStreamPath(col, img))
	if err != nil {
		return
	}
	defer rc.Close()

	w, h, format, err := imgcodec.DecodeConfig(rc)
	if err != nil {
		return
	}

	img.Width = w
	img.Height = h
	img.Format = format
}

// queueDerivatives publishes one thumbnail and one cache message per image
// missing the derivative, growing the job's stage totals before any publish
// so the monitor can never observe a settled stage with pending work.
func (c *CollectionConsumer) queueDerivatives(ctx context.Context, col *model.Collection, msg *model.CollectionScan) error {
	missingThumbs, missingCaches := MissingDerivatives(col)

	if err := c.tracker.AddStageTotal(ctx, msg.JobID, model.StageThumbnail, int64(len(missingThumbs))); err != nil {
		return err
	}

	if err := c.tracker.AddStageTotal(ctx, msg.JobID, model.StageCache, int64(len(missingCaches))); err != nil {
		return err
	}

	for i := range missingThumbs {
		img := &missingThumbs[i]

		err := c.bus.Publish(ctx, model.ThumbnailGen{
			Envelope:     model.NewEnvelope(model.MessageThumbnailGen, msg.Correlation()),
			ImageID:      img.ID,
			CollectionID: col.ID,
			ImagePath:    ImageStreamPath(col, img),
			Filename:     img.Filename,
			Width:        dimension(msg.ThumbnailWidth, c.cfg.ThumbWidth),
			Height:       dimension(msg.ThumbnailHeight, c.cfg.ThumbHeight),
			JobID:        msg.JobID,
		})
		if err != nil {
			return err
		}
	}

	for i := range missingCaches {
		img := &missingCaches[i]

		err := c.bus.Publish(ctx, model.CacheGen{
			Envelope:        model.NewEnvelope(model.MessageCacheGen, msg.Correlation()),
			ImageID:         img.ID,
			CollectionID:    col.ID,
			ImagePath:       ImageStreamPath(col, img),
			Width:           dimension(msg.CacheWidth, c.cfg.CacheWidth),
			Height:          dimension(msg.CacheHeight, c.cfg.CacheHeight),
			Quality:         c.cfg.CacheQuality,
			Format:          c.cfg.CacheFormat,
			ForceRegenerate: msg.ForceRescan,
			JobID:           msg.JobID,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func dimension(fromMessage, fallback int) int {
	if fromMessage > 0 {
		return fromMessage
	}

	return fallback
}
