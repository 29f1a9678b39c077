package navindex_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/navindex"
)

// seedIndex populates n summaries with strictly increasing updatedAt.
func seedIndex(t *testing.T, idx navindex.Index, n int) []model.ID {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]model.ID, 0, n)

	for i := range n {
		s := navindex.Summary{
			ID:         model.NewID(),
			LibraryID:  model.NewID(),
			Type:       model.CollectionFolder,
			Name:       fmt.Sprintf("collection-%04d", i),
			ImageCount: int64(i),
			TotalSize:  int64(i) * 1000,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, idx.AddOrUpdate(ctx, s))

		ids = append(ids, s.ID)
	}

	return ids
}

func TestMemoryIndexPage(t *testing.T) {
	t.Parallel()

	idx := navindex.NewMemoryIndex(nil)
	ids := seedIndex(t, idx, 25)
	ctx := context.Background()

	page, err := idx.Page(ctx, navindex.FieldUpdatedAt, navindex.DirAsc, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.Total)
	assert.Equal(t, int64(0), page.PositionOfFirst)
	require.Len(t, page.IDs, 10)
	assert.Equal(t, ids[0], page.IDs[0])

	// Last page is short.
	page, err = idx.Page(ctx, navindex.FieldUpdatedAt, navindex.DirAsc, 2, 10)
	require.NoError(t, err)
	require.Len(t, page.IDs, 5)
	assert.Equal(t, int64(20), page.PositionOfFirst)

	// Descending reverses the order.
	page, err = idx.Page(ctx, navindex.FieldUpdatedAt, navindex.DirDesc, 0, 1)
	require.NoError(t, err)
	require.Len(t, page.IDs, 1)
	assert.Equal(t, ids[24], page.IDs[0])
}

func TestMemoryIndexNavigationBoundaries(t *testing.T) {
	t.Parallel()

	idx := navindex.NewMemoryIndex(nil)
	ids := seedIndex(t, idx, 3)
	ctx := context.Background()

	nav, err := idx.Navigation(ctx, ids[0], navindex.FieldUpdatedAt, navindex.DirAsc)
	require.NoError(t, err)
	assert.Nil(t, nav.PrevID)
	require.NotNil(t, nav.NextID)
	assert.Equal(t, ids[1], *nav.NextID)
	assert.Equal(t, int64(0), nav.Position)
	assert.Equal(t, int64(3), nav.Total)

	nav, err = idx.Navigation(ctx, ids[2], navindex.FieldUpdatedAt, navindex.DirAsc)
	require.NoError(t, err)
	assert.Nil(t, nav.NextID)
	require.NotNil(t, nav.PrevID)
	assert.Equal(t, ids[1], *nav.PrevID)
	assert.Equal(t, int64(2), nav.Position)

	_, err = idx.Navigation(ctx, model.NewID(), navindex.FieldUpdatedAt, navindex.DirAsc)
	require.ErrorIs(t, err, navindex.ErrNotIndexed)
}

func TestMemoryIndexSiblingsBoundaries(t *testing.T) {
	t.Parallel()

	idx := navindex.NewMemoryIndex(nil)
	ids := seedIndex(t, idx, 50)
	ctx := context.Background()

	// First id: exactly min(21, total) ids, first id at window position 0.
	sib, err := idx.Siblings(ctx, ids[0], navindex.FieldUpdatedAt, navindex.DirAsc, 20)
	require.NoError(t, err)
	require.Len(t, sib.IDs, 21)
	assert.Equal(t, ids[0], sib.IDs[0])
	assert.Equal(t, int64(0), sib.Position)

	// Last id: window ends with it.
	sib, err = idx.Siblings(ctx, ids[49], navindex.FieldUpdatedAt, navindex.DirAsc, 20)
	require.NoError(t, err)
	require.Len(t, sib.IDs, 21)
	assert.Equal(t, ids[49], sib.IDs[len(sib.IDs)-1])

	// Window always contains the requested id.
	sib, err = idx.Siblings(ctx, ids[25], navindex.FieldUpdatedAt, navindex.DirAsc, 20)
	require.NoError(t, err)
	assert.Contains(t, sib.IDs, ids[25])
	assert.Equal(t, int64(25), sib.Position)

	// Sets smaller than the window return everything.
	small := navindex.NewMemoryIndex(nil)
	smallIDs := seedIndex(t, small, 5)

	sib, err = small.Siblings(ctx, smallIDs[2], navindex.FieldUpdatedAt, navindex.DirAsc, 20)
	require.NoError(t, err)
	assert.Len(t, sib.IDs, 5)
}

func TestMemoryIndexAddOrUpdateIdempotent(t *testing.T) {
	t.Parallel()

	idx := navindex.NewMemoryIndex(nil)
	ctx := context.Background()

	s := navindex.Summary{
		ID:        model.NewID(),
		Name:      "once",
		UpdatedAt: time.Now().UTC(),
	}

	require.NoError(t, idx.AddOrUpdate(ctx, s))
	require.NoError(t, idx.AddOrUpdate(ctx, s))

	page, err := idx.Page(ctx, navindex.FieldName, navindex.DirAsc, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.IDs, 1)
	assert.Equal(t, int64(1), page.Total)
}

func TestMemoryIndexRemove(t *testing.T) {
	t.Parallel()

	idx := navindex.NewMemoryIndex(nil)
	ids := seedIndex(t, idx, 3)
	ctx := context.Background()

	require.NoError(t, idx.Remove(ctx, ids[1]))

	page, err := idx.Page(ctx, navindex.FieldUpdatedAt, navindex.DirAsc, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.IDs, 2)
	assert.NotContains(t, page.IDs, ids[1])
}

func TestMemoryIndexThumbnails(t *testing.T) {
	t.Parallel()

	idx := navindex.NewMemoryIndex(nil)
	ctx := context.Background()
	id := model.NewID()

	_, err := idx.GetThumbnail(ctx, id)
	require.ErrorIs(t, err, navindex.ErrNoThumbnail)

	require.NoError(t, idx.SetThumbnail(ctx, id, []byte("webp-bytes"), time.Hour))

	data, err := idx.GetThumbnail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("webp-bytes"), data)

	// Batch path uses the default TTL.
	other := model.NewID()
	require.NoError(t, idx.BatchCacheThumbnails(ctx, map[model.ID][]byte{other: []byte("x")}))

	data, err = idx.GetThumbnail(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestMemoryIndexRejectsUnknownSort(t *testing.T) {
	t.Parallel()

	idx := navindex.NewMemoryIndex(nil)

	_, err := idx.Page(context.Background(), "sneaky", navindex.DirAsc, 0, 10)
	require.ErrorIs(t, err, navindex.ErrBadField)

	_, err = idx.Page(context.Background(), navindex.FieldName, "sideways", 0, 10)
	require.ErrorIs(t, err, navindex.ErrBadDirection)
}
