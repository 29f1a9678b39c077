package scan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/scan"
)

func collectionWith(images, thumbs, caches int) *model.Collection {
	col := &model.Collection{ID: model.NewID(), Type: model.CollectionFolder}

	for range images {
		col.Images = append(col.Images, model.ImageEmbedded{ID: model.NewID()})
	}

	for i := range thumbs {
		col.Thumbnails = append(col.Thumbnails, model.DerivativeEmbedded{ImageID: col.Images[i].ID})
	}

	for i := range caches {
		col.CacheImages = append(col.CacheImages, model.DerivativeEmbedded{ImageID: col.Images[i].ID})
	}

	return col
}

func TestClassifyDecisionTable(t *testing.T) {
	t.Parallel()

	withImages := collectionWith(3, 0, 0)
	empty := collectionWith(0, 0, 0)

	tests := []struct {
		name      string
		existing  *model.Collection
		overwrite bool
		resume    bool
		want      scan.Action
	}{
		{name: "new candidate", existing: nil, want: scan.ActionCreate},
		{name: "overwrite wins over everything", existing: withImages, overwrite: true, resume: true, want: scan.ActionForceRescan},
		{name: "resume with images", existing: withImages, resume: true, want: scan.ActionResume},
		{name: "resume without images rescans", existing: empty, resume: true, want: scan.ActionQueueScan},
		{name: "existing with images skips", existing: withImages, want: scan.ActionSkip},
		{name: "existing without images rescans", existing: empty, want: scan.ActionQueueScan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := scan.Classify(tt.existing, tt.overwrite, tt.resume)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMissingDerivativesCounts(t *testing.T) {
	t.Parallel()

	// 1000 images, 990 thumbnails, 990 caches: exactly 10 of each missing.
	col := collectionWith(1000, 990, 990)

	thumbs, caches := scan.MissingDerivatives(col)
	assert.Len(t, thumbs, 10)
	assert.Len(t, caches, 10)

	// The missing ones are precisely the tail without derivatives.
	for _, img := range thumbs {
		assert.False(t, model.HasDerivative(col.Thumbnails, img.ID, 0, 0))
	}

	// A 100% complete collection has nothing missing.
	complete := collectionWith(5, 5, 5)

	thumbs, caches = scan.MissingDerivatives(complete)
	assert.Empty(t, thumbs)
	assert.Empty(t, caches)

	// Soft-deleted images never get derivatives queued.
	col2 := collectionWith(2, 0, 0)
	col2.Images[0].IsDeleted = true

	thumbs, caches = scan.MissingDerivatives(col2)
	assert.Len(t, thumbs, 1)
	assert.Len(t, caches, 1)
}
