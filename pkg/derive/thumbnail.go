package derive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/fsprobe"
	"github.com/shelfline/shelfline/pkg/imgcodec"
	"github.com/shelfline/shelfline/pkg/jobtrack"
	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/navindex"
	"time"
)

// Config tunes the derivative consumers.
type Config struct {
	// CacheRoot is the thumbnail storage root.
	CacheRoot string

	// Format is the output encoding (webp by default).
	Format string

	// Quality applies to lossy output formats.
	Quality int

	// FolderSoftCapBytes skips cache folders past this size. Zero
	// disables the cap.
	FolderSoftCapBytes int64
}

func (c *Config) applyDefaults() {
	if c.Format == "" {
		c.Format = imgcodec.FormatWebP
	}

	if c.Quality <= 0 {
		c.Quality = imgcodec.DefaultQuality
	}
}

// ThumbnailConsumer consumes ThumbnailGen messages.
type ThumbnailConsumer struct {
	repos   *catalog.Repositories
	tracker *jobtrack.Tracker
	index   navindex.Index
	cfg     Config
	logger  *slog.Logger
}

// NewThumbnailConsumer wires the thumbnail consumer.
func NewThumbnailConsumer(repos *catalog.Repositories, tracker *jobtrack.Tracker, index navindex.Index, cfg Config, logger *slog.Logger) *ThumbnailConsumer {
	cfg.applyDefaults()

	return &ThumbnailConsumer{repos: repos, tracker: tracker, index: index, cfg: cfg, logger: logger}
}

// Handle processes one ThumbnailGen message. Re-delivery of an already
// produced derivative increments skipped and acks; decode and read errors
// increment failed, record one error, and ack rather than retry-storm.
func (t *ThumbnailConsumer) Handle(ctx context.Context, payload []byte) error {
	var msg model.ThumbnailGen

	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: thumbnail gen: %v", bus.ErrValidation, err)
	}

	imagePath := fsprobe.FixLegacyEntryPath(msg.ImagePath)

	col, err := t.repos.Collections.Get(ctx, msg.CollectionID)
	if err != nil || col.IsDeleted {
		return fmt.Errorf("collection %s: %w", msg.CollectionID.Hex(), bus.ErrGone)
	}

	if t.tracker.IsCancelled(ctx, msg.JobID) {
		return nil
	}

	ext := imgcodec.Ext(t.cfg.Format)
	outPath := ThumbnailPath(t.cfg.CacheRoot, msg.ImageID, msg.Width, msg.Height, ext)

	// Idempotent skip: the derivative record exists and its file is
	// reachable.
	if model.HasDerivative(col.Thumbnails, msg.ImageID, msg.Width, msg.Height) && fileReachable(existingPath(col.Thumbnails, msg.ImageID, msg.Width, msg.Height)) {
		return t.tracker.IncStage(ctx, msg.JobID, model.StageThumbnail, jobtrack.CounterSkipped)
	}

	encoded, err := t.produce(imagePath, msg.Width, msg.Height)
	if err != nil {
		t.tracker.RecordItemError(ctx, msg.JobID, fmt.Errorf("image %s: %w", msg.ImageID.Hex(), err))

		if incErr := t.tracker.IncStage(ctx, msg.JobID, model.StageThumbnail, jobtrack.CounterFailed); incErr != nil {
			return incErr
		}

		t.logger.WarnContext(ctx, "thumbnail failed",
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

	if err := t.repos.Collections.AddThumbnail(ctx, col.ID, record); err != nil {
		return err
	}

	// Warm the navigation index's thumbnail cache with the collection's
	// representative image.
	if len(col.Images) > 0 && col.Images[0].ID == msg.ImageID {
		if cacheErr := t.index.SetThumbnail(ctx, col.ID, encoded, 0); cacheErr != nil {
			t.logger.WarnContext(ctx, "thumbnail cache warm failed",
				slog.String("collection_id", col.ID.Hex()),
				slog.String("error", cacheErr.Error()))
		}
	}

	return t.tracker.IncStage(ctx, msg.JobID, model.StageThumbnail, jobtrack.CounterCompleted)
}

// produce decodes, downscales, and encodes one derivative in memory.
func (t *ThumbnailConsumer) produce(imagePath string, width, height int) ([]byte, error) {
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

	var buf bytes.Buffer

	if err := imgcodec.Encode(&buf, scaled, t.cfg.Format, t.cfg.Quality); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// existingPath returns the stored path of a derivative record.
func existingPath(derivatives []model.DerivativeEmbedded, imageID model.ID, width, height int) string {
	for i := range derivatives {
		d := &derivatives[i]
		if d.ImageID == imageID && d.Width == width && d.Height == height {
			return d.Path
		}
	}

	return ""
}
