package navindex

import (
	"context"
	"fmt"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// docPathFor maps an index sort field to its catalog document path.
func docPathFor(field string) string {
	switch field {
	case FieldCreatedAt:
		return "createdAt"
	case FieldName:
		return "name"
	case FieldImageCount:
		return "statistics.imageCount"
	case FieldTotalSize:
		return "statistics.totalSizeBytes"
	default:
		return "updatedAt"
	}
}

func catalogDir(dir Direction) catalog.SortDir {
	if dir == DirDesc {
		return catalog.Desc
	}

	return catalog.Asc
}

// catalogFallback answers index queries straight from the catalog when the
// index server returns an error. A stale index (version marker absent or
// old) does not switch reads here. Ordering matches the index: the sort
// key first, then id. Position lookups stream pages, trading latency for
// bounded memory.
type catalogFallback struct {
	collections *catalog.Collections
	batchSize   int64
}

func newCatalogFallback(collections *catalog.Collections, batchSize int64) *catalogFallback {
	if batchSize <= 0 {
		batchSize = DefaultRebuildBatchSize
	}

	return &catalogFallback{collections: collections, batchSize: batchSize}
}

func (f *catalogFallback) page(ctx context.Context, field string, dir Direction, pageNum, pageSize int64) (Page, error) {
	total, err := f.collections.CountActive(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("fallback count: %w", err)
	}

	start := pageNum * pageSize

	cols, err := f.collections.ListActivePage(ctx,
		catalog.Sort{Field: docPathFor(field), Dir: catalogDir(dir)}, start, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("fallback page: %w", err)
	}

	ids := make([]model.ID, 0, len(cols))
	for i := range cols {
		ids = append(ids, cols[i].ID)
	}

	return Page{IDs: ids, Total: total, PositionOfFirst: start}, nil
}

// locate streams every sorted page, then returns the rank of id, the total,
// and all ids in sort order.
func (f *catalogFallback) locate(ctx context.Context, id model.ID, field string, dir Direction) (pos, total int64, ordered []model.ID, err error) {
	total, err = f.collections.CountActive(ctx)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("fallback count: %w", err)
	}

	ordered = make([]model.ID, 0, total)

	for skip := int64(0); skip < total; skip += f.batchSize {
		cols, pageErr := f.collections.ListActivePage(ctx,
			catalog.Sort{Field: docPathFor(field), Dir: catalogDir(dir)}, skip, f.batchSize)
		if pageErr != nil {
			return 0, 0, nil, fmt.Errorf("fallback scan: %w", pageErr)
		}

		for i := range cols {
			ordered = append(ordered, cols[i].ID)
		}

		if int64(len(cols)) < f.batchSize {
			break
		}
	}

	for i := range ordered {
		if ordered[i] == id {
			return int64(i), total, ordered, nil
		}
	}

	return 0, 0, nil, ErrNotIndexed
}

func (f *catalogFallback) navigation(ctx context.Context, id model.ID, field string, dir Direction) (Navigation, error) {
	pos, total, ordered, err := f.locate(ctx, id, field, dir)
	if err != nil {
		return Navigation{}, err
	}

	nav := Navigation{Position: pos, Total: total}

	if pos > 0 {
		prev := ordered[pos-1]
		nav.PrevID = &prev
	}

	if pos < total-1 {
		next := ordered[pos+1]
		nav.NextID = &next
	}

	return nav, nil
}

func (f *catalogFallback) siblings(ctx context.Context, id model.ID, field string, dir Direction, pageSize int64) (Siblings, error) {
	pos, total, ordered, err := f.locate(ctx, id, field, dir)
	if err != nil {
		return Siblings{}, err
	}

	start, end := windowBounds(pos, total, pageSize)

	ids := make([]model.ID, 0, end-start+1)
	for i := start; i <= end && i < int64(len(ordered)); i++ {
		ids = append(ids, ordered[i])
	}

	return Siblings{IDs: ids, Position: pos, Total: total}, nil
}
