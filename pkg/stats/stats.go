// Package stats maintains library-level aggregate counters. Every mutation
// is a single atomic catalog operation, so concurrent consumers never lose
// updates. Derivatives are deliberately not counted here; they are accounted
// for in cache-folder statistics.
package stats

import (
	"context"
	"fmt"

	"github.com/shelfline/shelfline/pkg/catalog"
	"github.com/shelfline/shelfline/pkg/model"
)

// Delta is the set of counter adjustments applied in one operation.
type Delta struct {
	Collections int64
	MediaItems  int64
	SizeBytes   int64
}

// Aggregator applies atomic statistic updates to libraries.
type Aggregator struct {
	libraries *catalog.Libraries
}

// NewAggregator creates an aggregator over the library repository.
func NewAggregator(libraries *catalog.Libraries) *Aggregator {
	return &Aggregator{libraries: libraries}
}

// IncrementLibraryStats adjusts the library counters by the delta.
func (a *Aggregator) IncrementLibraryStats(ctx context.Context, libraryID model.ID, d Delta) error {
	err := a.libraries.IncStats(ctx, libraryID, d.Collections, d.MediaItems, d.SizeBytes)
	if err != nil {
		return fmt.Errorf("increment library stats: %w", err)
	}

	return nil
}

// MarkLibraryScanned stamps the scan bookkeeping fields.
func (a *Aggregator) MarkLibraryScanned(ctx context.Context, libraryID model.ID) error {
	if err := a.libraries.MarkScanned(ctx, libraryID); err != nil {
		return fmt.Errorf("mark library scanned: %w", err)
	}

	return nil
}
