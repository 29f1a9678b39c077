package navindex

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// thumbEntry is one cached thumbnail with its expiry.
type thumbEntry struct {
	data    []byte
	expires time.Time
}

// MemoryIndex is an in-process Index with the same ordering contract as the
// server-backed implementation. It backs tests and degraded single-node
// deployments where no index server is available.
type MemoryIndex struct {
	mu          sync.RWMutex
	summaries   map[string]Summary
	thumbs      map[string]thumbEntry
	collections *catalog.Collections
	valid       bool
}

// NewMemoryIndex creates an empty in-memory index. The collections
// repository is only needed for Rebuild and may be nil in tests that seed
// the index directly.
func NewMemoryIndex(collections *catalog.Collections) *MemoryIndex {
	return &MemoryIndex{
		summaries:   make(map[string]Summary),
		thumbs:      make(map[string]thumbEntry),
		collections: collections,
		valid:       true,
	}
}

// AddOrUpdate implements Index.
func (m *MemoryIndex) AddOrUpdate(_ context.Context, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.summaries[s.ID.Hex()] = s

	return nil
}

// Remove implements Index.
func (m *MemoryIndex) Remove(_ context.Context, id model.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.summaries, id.Hex())
	delete(m.thumbs, id.Hex())

	return nil
}

// ranked returns every indexed id ordered by (score, id) under the given
// field and direction.
func (m *MemoryIndex) ranked(field string, dir Direction) []Summary {
	m.mu.RLock()

	rows := make([]Summary, 0, len(m.summaries))
	for _, s := range m.summaries {
		rows = append(rows, s)
	}

	m.mu.RUnlock()

	sort.SliceStable(rows, func(i, j int) bool {
		a := scoreFor(field, rows[i])

		b := scoreFor(field, rows[j])
		if a != b {
			if dir == DirDesc {
				return a > b
			}

			return a < b
		}

		// Equal scores break ties on id, in the direction's order.
		cmp := strings.Compare(rows[i].ID.Hex(), rows[j].ID.Hex())
		if dir == DirDesc {
			return cmp > 0
		}

		return cmp < 0
	})

	return rows
}

// Page implements Index.
func (m *MemoryIndex) Page(_ context.Context, field string, dir Direction, pageNum, pageSize int64) (Page, error) {
	if err := ValidateSort(field, dir); err != nil {
		return Page{}, err
	}

	rows := m.ranked(field, dir)
	total := int64(len(rows))
	start := pageNum * pageSize

	ids := make([]model.ID, 0, pageSize)

	for i := start; i < start+pageSize && i < total; i++ {
		ids = append(ids, rows[i].ID)
	}

	return Page{IDs: ids, Total: total, PositionOfFirst: start}, nil
}

// position returns the rank of id under the sort order, or -1.
func position(rows []Summary, id model.ID) int64 {
	for i := range rows {
		if rows[i].ID == id {
			return int64(i)
		}
	}

	return -1
}

// Navigation implements Index.
func (m *MemoryIndex) Navigation(_ context.Context, id model.ID, field string, dir Direction) (Navigation, error) {
	if err := ValidateSort(field, dir); err != nil {
		return Navigation{}, err
	}

	rows := m.ranked(field, dir)

	pos := position(rows, id)
	if pos < 0 {
		return Navigation{}, ErrNotIndexed
	}

	nav := Navigation{Position: pos, Total: int64(len(rows))}

	if pos > 0 {
		prev := rows[pos-1].ID
		nav.PrevID = &prev
	}

	if pos < int64(len(rows))-1 {
		next := rows[pos+1].ID
		nav.NextID = &next
	}

	return nav, nil
}

// Siblings implements Index.
func (m *MemoryIndex) Siblings(_ context.Context, id model.ID, field string, dir Direction, pageSize int64) (Siblings, error) {
	if err := ValidateSort(field, dir); err != nil {
		return Siblings{}, err
	}

	rows := m.ranked(field, dir)

	pos := position(rows, id)
	if pos < 0 {
		return Siblings{}, ErrNotIndexed
	}

	start, end := windowBounds(pos, int64(len(rows)), pageSize)

	ids := make([]model.ID, 0, end-start+1)
	for i := start; i <= end; i++ {
		ids = append(ids, rows[i].ID)
	}

	return Siblings{IDs: ids, Position: pos, Total: int64(len(rows))}, nil
}

// GetThumbnail implements Index.
func (m *MemoryIndex) GetThumbnail(_ context.Context, id model.ID) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.thumbs[id.Hex()]
	m.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		return nil, ErrNoThumbnail
	}

	return entry.data, nil
}

// SetThumbnail implements Index.
func (m *MemoryIndex) SetThumbnail(_ context.Context, id model.ID, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultThumbTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.thumbs[id.Hex()] = thumbEntry{data: data, expires: time.Now().Add(ttl)}

	return nil
}

// BatchCacheThumbnails implements Index.
func (m *MemoryIndex) BatchCacheThumbnails(ctx context.Context, thumbs map[model.ID][]byte) error {
	for id, data := range thumbs {
		if err := m.SetThumbnail(ctx, id, data, DefaultThumbTTL); err != nil {
			return err
		}
	}

	return nil
}

// IsValid implements Index.
func (m *MemoryIndex) IsValid(_ context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.valid
}

// Rebuild implements Index, streaming the catalog in bounded pages.
func (m *MemoryIndex) Rebuild(ctx context.Context) error {
	if m.collections == nil {
		return nil
	}

	fresh := make(map[string]Summary)

	for skip := int64(0); ; skip += DefaultRebuildBatchSize {
		cols, err := m.collections.ListActivePage(ctx,
			catalog.Sort{Field: "updatedAt", Dir: catalog.Asc}, skip, DefaultRebuildBatchSize)
		if err != nil {
			return err
		}

		for i := range cols {
			s := SummaryOf(&cols[i])
			fresh[s.ID.Hex()] = s
		}

		if int64(len(cols)) < DefaultRebuildBatchSize {
			break
		}
	}

	m.mu.Lock()
	m.summaries = fresh
	m.valid = true
	m.mu.Unlock()

	return nil
}
