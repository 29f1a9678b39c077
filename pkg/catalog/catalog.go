// Package catalog abstracts the document store behind operations that are
// strictly atomic at the document level. Cross-document consistency is
// achieved by idempotent operations and atomic counters, never by holding
// transactions across external I/O.
package catalog

import (
	"context"
	"errors"

	"github.com/shelfline/shelfline/pkg/model"
)

// Collection names in the document store.
const (
	ColLibraries    = "libraries"
	ColCollections  = "collections"
	ColJobs         = "background_jobs"
	ColScheduled    = "scheduled_jobs"
	ColRuns         = "scheduled_job_runs"
	ColCacheFolders = "cache_folders"
)

// Sentinel errors.
var (
	ErrNotFound  = errors.New("document not found")
	ErrDuplicate = errors.New("duplicate document")
)

// SortDir is a sort direction.
type SortDir int

// Sort directions, matching the document store's convention.
const (
	Asc  SortDir = 1
	Desc SortDir = -1
)

// Sort orders a query by a single dotted field path.
type Sort struct {
	Field string
	Dir   SortDir
}

// Filter is an equality filter over dotted field paths. Values may be plain
// (equality), In (membership) or Ne (inequality).
type Filter map[string]any

// In matches documents whose field equals any of the listed values.
type In []any

// Ne matches documents whose field differs from the value.
type Ne struct {
	Value any
}

// Gateway is the atomic document-store surface the pipeline builds on.
// Implementations must make every method safe under concurrent execution
// from many consumers.
type Gateway interface {
	// InsertOne stores a new document under the given id.
	InsertOne(ctx context.Context, coll string, id model.ID, doc any) error

	// FindByID decodes the document with the given id into out.
	FindByID(ctx context.Context, coll string, id model.ID, out any) error

	// FindOne decodes the first document matching the filter into out.
	FindOne(ctx context.Context, coll string, filter Filter, out any) error

	// FindPaged decodes a sorted page of matching documents into out
	// (a pointer to a slice).
	FindPaged(ctx context.Context, coll string, filter Filter, sort Sort, skip, limit int64, out any) error

	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, coll string, filter Filter) (int64, error)

	// IncFields atomically increments numeric fields on one document.
	IncFields(ctx context.Context, coll string, id model.ID, fields map[string]int64) error

	// IncFieldsClampedZero atomically increments numeric fields, clamping
	// each result at zero.
	IncFieldsClampedZero(ctx context.Context, coll string, id model.ID, fields map[string]int64) error

	// SetFields atomically sets fields on one document.
	SetFields(ctx context.Context, coll string, id model.ID, fields map[string]any) error

	// PushToArray atomically appends an element to an array field.
	PushToArray(ctx context.Context, coll string, id model.ID, field string, element any) error

	// PullFromArray atomically removes all array elements matching the
	// given sub-document filter.
	PullFromArray(ctx context.Context, coll string, id model.ID, field string, match Filter) error

	// AddToSetWithRecount adds a value to a set-valued array and, in the
	// same server-side operation, recomputes countField from the array's
	// cardinality and applies the additional increments.
	AddToSetWithRecount(ctx context.Context, coll string, id model.ID, setField, countField string, value any, inc map[string]int64) error

	// DeleteOne removes a document.
	DeleteOne(ctx context.Context, coll string, id model.ID) error
}
