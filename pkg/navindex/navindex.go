// Package navindex maintains the fast-navigation index for collection
// browsing: per-sort-field ranked sets giving O(log N) position and neighbor
// queries, O(1) totals, plus a TTL'd thumbnail byte cache. Every read
// operation degrades to an equivalent catalog query with identical ordering
// when the index is unreachable.
package navindex

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/shelfline/shelfline/pkg/model"
)

// Whitelisted sort fields.
const (
	FieldUpdatedAt  = "updatedAt"
	FieldCreatedAt  = "createdAt"
	FieldName       = "name"
	FieldImageCount = "imageCount"
	FieldTotalSize  = "totalSize"
)

// Direction orders a ranked set.
type Direction string

// Sort directions.
const (
	DirAsc  Direction = "asc"
	DirDesc Direction = "desc"
)

// DefaultThumbTTL is the thumbnail cache expiry.
const DefaultThumbTTL = 30 * 24 * time.Hour

// DefaultRebuildBatchSize bounds peak memory while rebuilding from the
// catalog.
const DefaultRebuildBatchSize = 100

// Sentinel errors.
var (
	ErrBadField     = errors.New("sort field not indexed")
	ErrBadDirection = errors.New("bad sort direction")
	ErrNotIndexed   = errors.New("collection not in index")
	ErrNoThumbnail  = errors.New("no cached thumbnail")
)

// sortFields is the whitelist of indexable fields.
var sortFields = map[string]bool{
	FieldUpdatedAt:  true,
	FieldCreatedAt:  true,
	FieldName:       true,
	FieldImageCount: true,
	FieldTotalSize:  true,
}

// ValidateSort checks a field/direction pair against the whitelist.
func ValidateSort(field string, dir Direction) error {
	if !sortFields[field] {
		return errors.Join(ErrBadField, errors.New(field))
	}

	if dir != DirAsc && dir != DirDesc {
		return errors.Join(ErrBadDirection, errors.New(string(dir)))
	}

	return nil
}

// Summary is the minimal projection of a collection needed to render a list
// row and to place the collection in every ranked set.
type Summary struct {
	ID         model.ID             `json:"id"`
	LibraryID  model.ID             `json:"libraryId"`
	Type       model.CollectionType `json:"type"`
	Name       string               `json:"name"`
	ImageCount int64                `json:"imageCount"`
	TotalSize  int64                `json:"totalSize"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// SummaryOf projects a collection document into its index summary.
func SummaryOf(col *model.Collection) Summary {
	return Summary{
		ID:         col.ID,
		LibraryID:  col.LibraryID,
		Type:       col.Type,
		Name:       col.Name,
		ImageCount: col.Statistics.ImageCount,
		TotalSize:  col.Statistics.TotalSizeBytes,
		CreatedAt:  col.CreatedAt,
		UpdatedAt:  col.UpdatedAt,
	}
}

// Page is one page of ranked collection ids.
type Page struct {
	IDs             []model.ID
	Total           int64
	PositionOfFirst int64
}

// Navigation locates a collection among its neighbors under one sort order.
type Navigation struct {
	PrevID   *model.ID
	NextID   *model.ID
	Position int64 // 0-based rank.
	Total    int64
}

// Siblings is a window of ids centered on one collection.
type Siblings struct {
	IDs      []model.ID
	Position int64
	Total    int64
}

// Index is the fast-lookup surface consumed by the browsing API and updated
// by the collection consumers.
type Index interface {
	// AddOrUpdate upserts the summary and every ranked-set membership.
	// Idempotent: applying the same summary twice equals applying it once.
	AddOrUpdate(ctx context.Context, s Summary) error

	// Remove drops the collection from all ranked sets and deletes its
	// summary and thumbnail.
	Remove(ctx context.Context, id model.ID) error

	// Page returns one page under the given sort order.
	Page(ctx context.Context, field string, dir Direction, pageNum, pageSize int64) (Page, error)

	// Navigation returns the previous/next neighbors and rank of id.
	Navigation(ctx context.Context, id model.ID, field string, dir Direction) (Navigation, error)

	// Siblings returns a window of min(pageSize+1, total) ids containing id.
	Siblings(ctx context.Context, id model.ID, field string, dir Direction, pageSize int64) (Siblings, error)

	// GetThumbnail returns cached thumbnail bytes.
	GetThumbnail(ctx context.Context, id model.ID) ([]byte, error)

	// SetThumbnail caches thumbnail bytes with the given TTL.
	SetThumbnail(ctx context.Context, id model.ID, data []byte, ttl time.Duration) error

	// BatchCacheThumbnails caches many thumbnails with the default TTL.
	BatchCacheThumbnails(ctx context.Context, thumbs map[model.ID][]byte) error

	// IsValid reports whether the index generation marker is current.
	IsValid(ctx context.Context) bool

	// Rebuild repopulates the index from the catalog in bounded batches.
	Rebuild(ctx context.Context) error
}

// nameScorePrefixLen is the number of leading bytes folded into a name score.
const nameScorePrefixLen = 8

// scoreFor derives the ranked-set score for a summary under one field.
// Name scores pack the first eight bytes of the lowercased name into an
// integer, which preserves lexicographic order for the prefix; equal scores
// fall back to the id tie-break shared by every implementation.
func scoreFor(field string, s Summary) float64 {
	switch field {
	case FieldCreatedAt:
		return float64(s.CreatedAt.UTC().UnixMilli())
	case FieldName:
		return nameScore(s.Name)
	case FieldImageCount:
		return float64(s.ImageCount)
	case FieldTotalSize:
		return float64(s.TotalSize)
	default:
		return float64(s.UpdatedAt.UTC().UnixMilli())
	}
}

func nameScore(name string) float64 {
	var buf [nameScorePrefixLen]byte

	copy(buf[:], strings.ToLower(name))

	return float64(binary.BigEndian.Uint64(buf[:]))
}

// windowBounds computes the sibling window [start, end] (inclusive ranks)
// centered on pos:
//
//	half = pageSize/2; start = pos-half; end = pos+half;
//	a window spilling past either boundary is shifted, clamped to the set.
//
// The result always spans min(pageSize+1, total) ranks and contains pos.
func windowBounds(pos, total, pageSize int64) (start, end int64) {
	if total <= 0 {
		return 0, -1
	}

	half := pageSize / 2
	start = pos - half
	end = pos + half

	if start < 0 {
		end += -start
		start = 0
	}

	if end >= total {
		shift := end - total + 1
		start -= shift
		end = total - 1

		if start < 0 {
			start = 0
		}
	}

	return start, end
}
