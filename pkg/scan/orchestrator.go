// Package scan turns library scans into per-collection and per-image work.
// The orchestrator decomposes a library into collection candidates and fans
// out messages; the collection consumer enumerates one collection and queues
// derivative generation.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/fsprobe"
	"github.com/shelfline/shelfline/pkg/jobtrack"
	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/navindex"
	"github.com/shelfline/shelfline/pkg/stats"
)

// Default derivative dimensions used when neither the library settings nor
// the deployment configuration override them.
const (
	DefaultThumbWidth  = 300
	DefaultThumbHeight = 300
	DefaultCacheWidth  = 1920
	DefaultCacheHeight = 1080
	DefaultConcurrency = 4
)

// Config tunes the orchestrator.
type Config struct {
	// Concurrency bounds the per-library candidate fan-out.
	Concurrency int

	// Derivative dimensions used when the library carries no defaults.
	ThumbWidth  int
	ThumbHeight int
	CacheWidth  int
	CacheHeight int

	// CacheQuality and CacheFormat are passed through to cache messages.
	CacheQuality int
	CacheFormat  string
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.ThumbWidth <= 0 {
		c.ThumbWidth = DefaultThumbWidth
	}

	if c.ThumbHeight <= 0 {
		c.ThumbHeight = DefaultThumbHeight
	}

	if c.CacheWidth <= 0 {
		c.CacheWidth = DefaultCacheWidth
	}

	if c.CacheHeight <= 0 {
		c.CacheHeight = DefaultCacheHeight
	}
}

// Orchestrator consumes LibraryScan messages.
type Orchestrator struct {
	repos   *catalog.Repositories
	tracker *jobtrack.Tracker
	bus     bus.Bus
	stats   *stats.Aggregator
	index   navindex.Index
	cfg     Config
	logger  *slog.Logger
}

// NewOrchestrator wires the scan orchestrator.
func NewOrchestrator(repos *catalog.Repositories, tracker *jobtrack.Tracker, b bus.Bus, agg *stats.Aggregator, index navindex.Index, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()

	return &Orchestrator{
		repos:   repos,
		tracker: tracker,
		bus:     b,
		stats:   agg,
		index:   index,
		cfg:     cfg,
		logger:  logger,
	}
}

// candidate is one potential collection discovered under the library root.
type candidate struct {
	path string
	kind model.CollectionType
}

// HandleLibraryScan processes one LibraryScan message: discover candidates,
// classify each against the catalog and the ingestion mode, and fan out
// per-collection work. A failure on one candidate never aborts the batch.
func (o *Orchestrator) HandleLibraryScan(ctx context.Context, payload []byte) error {
	var msg model.LibraryScan

	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: library scan: %v", bus.ErrValidation, err)
	}

	lib, err := o.repos.Libraries.Get(ctx, msg.LibraryID)
	if err != nil {
		return fmt.Errorf("library %s: %w", msg.LibraryID.Hex(), bus.ErrGone)
	}

	if lib.IsDeleted {
		return fmt.Errorf("library %s deleted: %w", msg.LibraryID.Hex(), bus.ErrGone)
	}

	rootPath := msg.LibraryPath
	if rootPath == "" {
		rootPath = lib.RootPath
	}

	candidates, err := discoverCandidates(rootPath, msg.IncludeSubfolders)
	if err != nil {
		return fmt.Errorf("discover candidates under %s: %w", rootPath, err)
	}

	o.logger.InfoContext(ctx, "library scan started",
		slog.String("library_id", lib.ID.Hex()),
		slog.String("root", rootPath),
		slog.Int("candidates", len(candidates)),
		slog.Bool("resume", msg.ResumeIncomplete),
		slog.Bool("overwrite", msg.OverwriteExisting))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.Concurrency)

	for _, cand := range candidates {
		group.Go(func() error {
			if candErr := o.processCandidate(groupCtx, lib, cand, &msg); candErr != nil {
				// Candidate failures are isolated; the sweep continues.
				o.logger.ErrorContext(groupCtx, "candidate failed",
					slog.String("path", cand.path),
					slog.String("error", candErr.Error()))
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("candidate fan-out: %w", err)
	}

	if err := o.stats.MarkLibraryScanned(ctx, lib.ID); err != nil {
		return err
	}

	return nil
}

// discoverCandidates lists collection candidates: directories directly
// holding a supported image, and archive files whose table of contents
// holds one.
func discoverCandidates(root string, includeSubfolders bool) ([]candidate, error) {
	folders, err := fsprobe.EnumerateFolders(root, includeSubfolders)
	if err != nil {
		return nil, err
	}

	var candidates []candidate

	for _, dir := range folders {
		hasImage, dirErr := dirHasImageDirect(dir)
		if dirErr != nil {
			return nil, dirErr
		}

		if hasImage {
			candidates = append(candidates, candidate{path: dir, kind: model.CollectionFolder})
		}
	}

	archives, err := fsprobe.EnumerateArchives(folders)
	if err != nil {
		return nil, err
	}

	for _, archive := range archives {
		hasImage, archErr := fsprobe.HasSupportedImage(archive)
		if archErr != nil || !hasImage {
			continue
		}

		candidates = append(candidates, candidate{path: archive, kind: fsprobe.ArchiveKind(archive)})
	}

	return candidates, nil
}

// dirHasImageDirect reports whether the directory itself (not its
// subdirectories, which are candidates of their own) contains an image.
func dirHasImageDirect(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if !e.IsDir() && fsprobe.IsImageFile(e.Name()) {
			return true, nil
		}
	}

	return false, nil
}

// processCandidate classifies one candidate and performs the chosen action.
func (o *Orchestrator) processCandidate(ctx context.Context, lib *model.Library, cand candidate, msg *model.LibraryScan) error {
	existing, err := o.repos.Collections.FindByPath(ctx, lib.ID, cand.path)
	if err != nil && !isNotFound(err) {
		return err
	}

	switch Classify(existing, msg.OverwriteExisting, msg.ResumeIncomplete) {
	case ActionCreate:
		return o.createAndQueue(ctx, lib, cand, msg.Correlation())
	case ActionForceRescan:
		if err := o.repos.Collections.ClearDerivatives(ctx, existing.ID); err != nil {
			return err
		}

		return o.queueCollectionScan(ctx, lib, existing, true, msg.Correlation())
	case ActionResume:
		return o.resumeCollection(ctx, lib, existing, msg.Correlation())
	case ActionQueueScan:
		return o.queueCollectionScan(ctx, lib, existing, false, msg.Correlation())
	case ActionSkip:
		return nil
	default:
		return nil
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, catalog.ErrNotFound)
}

// collectionName derives the display name for a candidate path.
func collectionName(cand candidate) string {
	base := filepath.Base(cand.path)
	if cand.kind.IsArchive() {
		return strings.TrimSuffix(base, filepath.Ext(base))
	}

	return base
}

// createAndQueue materializes a new collection and queues its first scan.
func (o *Orchestrator) createAndQueue(ctx context.Context, lib *model.Library, cand candidate, correlationID string) error {
	now := time.Now().UTC()

	col := &model.Collection{
		ID:        model.NewID(),
		LibraryID: lib.ID,
		Name:      collectionName(cand),
		Path:      cand.path,
		Type:      cand.kind,
		Settings: model.CollectionSettings{
			ThumbnailWidth:  o.thumbWidth(lib),
			ThumbnailHeight: o.thumbHeight(lib),
			CacheWidth:      o.cacheWidth(lib),
			CacheHeight:     o.cacheHeight(lib),
		},
		Images:      []model.ImageEmbedded{},
		Thumbnails:  []model.DerivativeEmbedded{},
		CacheImages: []model.DerivativeEmbedded{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := o.repos.Collections.Create(ctx, col); err != nil {
		return err
	}

	if err := o.stats.IncrementLibraryStats(ctx, lib.ID, stats.Delta{Collections: 1}); err != nil {
		return err
	}

	if err := o.index.AddOrUpdate(ctx, navindex.SummaryOf(col)); err != nil {
		o.logger.WarnContext(ctx, "index update failed",
			slog.String("collection_id", col.ID.Hex()),
			slog.String("error", err.Error()))
	}

	return o.queueCollectionScan(ctx, lib, col, false, correlationID)
}

// queueCollectionScan creates the tracking job and publishes the scan
// message. The scan stage total of one holds the job open until the consumer
// has finished enumerating and growing the derivative totals.
func (o *Orchestrator) queueCollectionScan(ctx context.Context, lib *model.Library, col *model.Collection, forceRescan bool, correlationID string) error {
	job, err := o.tracker.CreateJob(ctx, model.JobCollectionScan, &col.ID, &lib.ID, map[string]int64{
		model.StageScan:      1,
		model.StageThumbnail: 0,
		model.StageCache:     0,
	})
	if err != nil {
		return err
	}

	return o.bus.Publish(ctx, model.CollectionScan{
		Envelope:        model.NewEnvelope(model.MessageCollection, correlationID),
		CollectionID:    col.ID,
		CollectionPath:  col.Path,
		ForceRescan:     forceRescan,
		ThumbnailWidth:  o.thumbWidthCol(lib, col),
		ThumbnailHeight: o.thumbHeightCol(lib, col),
		CacheWidth:      o.cacheWidthCol(lib, col),
		CacheHeight:     o.cacheHeightCol(lib, col),
		JobID:           job.ID,
	})
}

// resumeCollection queues exactly the missing derivatives of an existing
// collection. Stage totals are initialized before any message is published,
// and every message carries the resume job's id, so the monitor can settle
// the job from the counters alone. Legacy archive-entry paths are rewritten
// before publish.
func (o *Orchestrator) resumeCollection(ctx context.Context, lib *model.Library, col *model.Collection, correlationID string) error {
	missingThumbs, missingCaches := MissingDerivatives(col)

	job, err := o.tracker.CreateJob(ctx, model.JobResumeCollection, &col.ID, &lib.ID, map[string]int64{
		model.StageThumbnail: int64(len(missingThumbs)),
		model.StageCache:     int64(len(missingCaches)),
	})
	if err != nil {
		return err
	}

	// A 100% complete collection queues nothing; the monitor completes the
	// zero-total job on its first observation.
	if len(missingThumbs) == 0 && len(missingCaches) == 0 {
		return nil
	}

	for i := range missingThumbs {
		img := &missingThumbs[i]

		publishErr := o.bus.Publish(ctx, model.ThumbnailGen{
			Envelope:     model.NewEnvelope(model.MessageThumbnailGen, correlationID),
			ImageID:      img.ID,
			CollectionID: col.ID,
			ImagePath:    ImageStreamPath(col, img),
			Filename:     img.Filename,
			Width:        o.thumbWidthCol(lib, col),
			Height:       o.thumbHeightCol(lib, col),
			JobID:        job.ID,
		})
		if publishErr != nil {
			return publishErr
		}
	}

	for i := range missingCaches {
		img := &missingCaches[i]

		publishErr := o.bus.Publish(ctx, model.CacheGen{
			Envelope:     model.NewEnvelope(model.MessageCacheGen, correlationID),
			ImageID:      img.ID,
			CollectionID: col.ID,
			ImagePath:    ImageStreamPath(col, img),
			Width:        o.cacheWidthCol(lib, col),
			Height:       o.cacheHeightCol(lib, col),
			Quality:      o.cfg.CacheQuality,
			Format:       o.cfg.CacheFormat,
			JobID:        job.ID,
		})
		if publishErr != nil {
			return publishErr
		}
	}

	o.logger.InfoContext(ctx, "resume queued",
		slog.String("collection_id", col.ID.Hex()),
		slog.Int("missing_thumbnails", len(missingThumbs)),
		slog.Int("missing_caches", len(missingCaches)))

	return nil
}

// ImageStreamPath computes the openable path for an embedded image: a plain
// join for folder collections, an "archive#entry" reference for archive
// collections. Legacy backslash entry separators are rewritten first.
func ImageStreamPath(col *model.Collection, img *model.ImageEmbedded) string {
	rel := fsprobe.FixLegacyEntryPath(img.RelativePath)

	if _, entry, ok := fsprobe.SplitEntryRef(rel); ok {
		return fsprobe.NormalizeEntryRef(col.Path, entry)
	}

	if col.Type.IsArchive() {
		return fsprobe.NormalizeEntryRef(col.Path, rel)
	}

	return filepath.Join(col.Path, rel)
}

// Derivative dimension resolution: collection settings win, then library
// settings, then deployment defaults.
func (o *Orchestrator) thumbWidth(lib *model.Library) int {
	if lib.Settings.DefaultThumbW > 0 {
		return lib.Settings.DefaultThumbW
	}

	return o.cfg.ThumbWidth
}

func (o *Orchestrator) thumbHeight(lib *model.Library) int {
	if lib.Settings.DefaultThumbH > 0 {
		return lib.Settings.DefaultThumbH
	}

	return o.cfg.ThumbHeight
}

func (o *Orchestrator) cacheWidth(lib *model.Library) int {
	if lib.Settings.DefaultCacheW > 0 {
		return lib.Settings.DefaultCacheW
	}

	return o.cfg.CacheWidth
}

func (o *Orchestrator) cacheHeight(lib *model.Library) int {
	if lib.Settings.DefaultCacheH > 0 {
		return lib.Settings.DefaultCacheH
	}

	return o.cfg.CacheHeight
}

func (o *Orchestrator) thumbWidthCol(lib *model.Library, col *model.Collection) int {
	if col.Settings.ThumbnailWidth > 0 {
		return col.Settings.ThumbnailWidth
	}

	return o.thumbWidth(lib)
}

func (o *Orchestrator) thumbHeightCol(lib *model.Library, col *model.Collection) int {
	if col.Settings.ThumbnailHeight > 0 {
		return col.Settings.ThumbnailHeight
	}

	return o.thumbHeight(lib)
}

func (o *Orchestrator) cacheWidthCol(lib *model.Library, col *model.Collection) int {
	if col.Settings.CacheWidth > 0 {
		return col.Settings.CacheWidth
	}

	return o.cacheWidth(lib)
}

func (o *Orchestrator) cacheHeightCol(lib *model.Library, col *model.Collection) int {
	if col.Settings.CacheHeight > 0 {
		return col.Settings.CacheHeight
	}

	return o.cacheHeight(lib)
}

// NewCorrelationID mints a correlation id for a manually triggered scan.
func NewCorrelationID() string {
	return uuid.NewString()
}
