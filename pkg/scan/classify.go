package scan

import (
	"github.com/shelfline/shelfline/pkg/model"
)

// Action is the classification outcome for one discovered candidate.
type Action int

// Classification outcomes.
const (
	// ActionCreate creates the collection and queues a fresh scan.
	ActionCreate Action = iota

	// ActionForceRescan clears the derivative arrays and queues a scan
	// with forceRescan set.
	ActionForceRescan

	// ActionResume queues only the missing derivatives directly, without
	// re-enumerating the collection.
	ActionResume

	// ActionQueueScan queues a normal scan of the existing collection.
	ActionQueueScan

	// ActionSkip leaves the collection untouched.
	ActionSkip
)

// Classify applies the ingestion-mode decision table to one candidate.
//
//	existing  overwrite  resume  hasImages  ->  action
//	no        -          -       -              create
//	yes       true       -       -              force rescan
//	yes       false      true    true           resume missing derivatives
//	yes       false      true    false          queue scan
//	yes       false      false   true           skip
//	yes       false      false   false          queue scan
func Classify(existing *model.Collection, overwriteExisting, resumeIncomplete bool) Action {
	if existing == nil {
		return ActionCreate
	}

	if overwriteExisting {
		return ActionForceRescan
	}

	hasImages := len(existing.Images) > 0

	if resumeIncomplete {
		if hasImages {
			return ActionResume
		}

		return ActionQueueScan
	}

	if hasImages {
		return ActionSkip
	}

	return ActionQueueScan
}

// MissingDerivatives returns the images lacking a thumbnail and the images
// lacking a cache copy, in collection order.
func MissingDerivatives(col *model.Collection) (missingThumbs, missingCaches []model.ImageEmbedded) {
	thumbSeen := make(map[model.ID]bool, len(col.Thumbnails))
	for i := range col.Thumbnails {
		thumbSeen[col.Thumbnails[i].ImageID] = true
	}

	cacheSeen := make(map[model.ID]bool, len(col.CacheImages))
	for i := range col.CacheImages {
		cacheSeen[col.CacheImages[i].ImageID] = true
	}

	for i := range col.Images {
		img := col.Images[i]
		if img.IsDeleted {
			continue
		}

		if !thumbSeen[img.ID] {
			missingThumbs = append(missingThumbs, img)
		}

		if !cacheSeen[img.ID] {
			missingCaches = append(missingCaches, img)
		}
	}

	return missingThumbs, missingCaches
}
