package model

import (
	"time"
)

// CollectionType tags the physical shape of a collection.
type CollectionType string

// Collection type variants.
const (
	CollectionFolder   CollectionType = "folder"
	CollectionZip      CollectionType = "zip"
	CollectionRar      CollectionType = "rar"
	CollectionSevenZip CollectionType = "sevenzip"
	CollectionCbz      CollectionType = "cbz"
	CollectionCbr      CollectionType = "cbr"
)

// IsArchive reports whether the collection is backed by an archive file
// rather than a directory.
func (t CollectionType) IsArchive() bool {
	return t != CollectionFolder && t != ""
}

// LibrarySettings holds per-library ingestion defaults.
type LibrarySettings struct {
	AutoScan       bool `bson:"autoScan"       json:"autoScan"`
	DefaultThumbW  int  `bson:"defaultThumbW"  json:"defaultThumbW"`
	DefaultThumbH  int  `bson:"defaultThumbH"  json:"defaultThumbH"`
	DefaultCacheW  int  `bson:"defaultCacheW"  json:"defaultCacheW"`
	DefaultCacheH  int  `bson:"defaultCacheH"  json:"defaultCacheH"`
	EnableCache    bool `bson:"enableCache"    json:"enableCache"`
}

// LibraryStatistics holds aggregate counters for a library.
// All counters are mutated only via atomic increments.
type LibraryStatistics struct {
	TotalCollections int64      `bson:"totalCollections" json:"totalCollections"`
	TotalMediaItems  int64      `bson:"totalMediaItems"  json:"totalMediaItems"`
	TotalSizeBytes   int64      `bson:"totalSizeBytes"   json:"totalSizeBytes"`
	LastScanAt       *time.Time `bson:"lastScanAt,omitempty"     json:"lastScanAt,omitempty"`
	ScanCount        int64      `bson:"scanCount"        json:"scanCount"`
	LastActivityAt   *time.Time `bson:"lastActivityAt,omitempty" json:"lastActivityAt,omitempty"`
}

// Library is a root path registered for ingestion.
type Library struct {
	ID         ID                `bson:"_id"        json:"id"`
	Name       string            `bson:"name"       json:"name"`
	RootPath   string            `bson:"rootPath"   json:"rootPath"`
	OwnerID    ID                `bson:"ownerId"    json:"ownerId"`
	Settings   LibrarySettings   `bson:"settings"   json:"settings"`
	Statistics LibraryStatistics `bson:"statistics" json:"statistics"`
	IsDeleted  bool              `bson:"isDeleted"  json:"isDeleted"`
	CreatedAt  time.Time         `bson:"createdAt"  json:"createdAt"`
	UpdatedAt  time.Time         `bson:"updatedAt"  json:"updatedAt"`
}

// ImageEmbedded is an image record embedded on its collection.
// RelativePath uses '#' to separate an archive file from its entry.
type ImageEmbedded struct {
	ID           ID        `bson:"id"           json:"id"`
	Filename     string    `bson:"filename"     json:"filename"`
	RelativePath string    `bson:"relativePath" json:"relativePath"`
	SizeBytes    int64     `bson:"sizeBytes"    json:"sizeBytes"`
	Width        int       `bson:"width"        json:"width"`
	Height       int       `bson:"height"       json:"height"`
	Format       string    `bson:"format"       json:"format"`
	AddedAt      time.Time `bson:"addedAt"      json:"addedAt"`
	IsDeleted    bool      `bson:"isDeleted"    json:"isDeleted"`
}

// DerivativeEmbedded is a generated image (thumbnail or cache copy) keyed to
// a source image and target dimensions. Composite-unique per
// (imageId, width, height) within a collection.
type DerivativeEmbedded struct {
	ImageID   ID        `bson:"imageId"   json:"imageId"`
	Width     int       `bson:"width"     json:"width"`
	Height    int       `bson:"height"    json:"height"`
	Path      string    `bson:"path"      json:"path"`
	SizeBytes int64     `bson:"sizeBytes" json:"sizeBytes"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// CollectionSettings holds per-collection derivative dimensions.
type CollectionSettings struct {
	ThumbnailWidth  int `bson:"thumbnailWidth"  json:"thumbnailWidth"`
	ThumbnailHeight int `bson:"thumbnailHeight" json:"thumbnailHeight"`
	CacheWidth      int `bson:"cacheWidth"      json:"cacheWidth"`
	CacheHeight     int `bson:"cacheHeight"     json:"cacheHeight"`
}

// CollectionStatistics holds aggregate counters for a collection.
type CollectionStatistics struct {
	ImageCount     int64 `bson:"imageCount"     json:"imageCount"`
	TotalSizeBytes int64 `bson:"totalSizeBytes" json:"totalSizeBytes"`
}

// Collection is a folder-like grouping of images. It exclusively owns its
// embedded image and derivative records.
type Collection struct {
	ID          ID                   `bson:"_id"         json:"id"`
	LibraryID   ID                   `bson:"libraryId"   json:"libraryId"`
	Name        string               `bson:"name"        json:"name"`
	Path        string               `bson:"path"        json:"path"`
	Type        CollectionType       `bson:"type"        json:"type"`
	Images      []ImageEmbedded      `bson:"images"      json:"images"`
	Thumbnails  []DerivativeEmbedded `bson:"thumbnails"  json:"thumbnails"`
	CacheImages []DerivativeEmbedded `bson:"cacheImages" json:"cacheImages"`
	Settings    CollectionSettings   `bson:"settings"    json:"settings"`
	Statistics  CollectionStatistics `bson:"statistics"  json:"statistics"`
	IsDeleted   bool                 `bson:"isDeleted"   json:"isDeleted"`
	CreatedAt   time.Time            `bson:"createdAt"   json:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt"   json:"updatedAt"`
}

// ImageByID returns the embedded image with the given id, if present.
func (c *Collection) ImageByID(id ID) (ImageEmbedded, bool) {
	for i := range c.Images {
		if c.Images[i].ID == id {
			return c.Images[i], true
		}
	}

	return ImageEmbedded{}, false
}

// HasDerivative reports whether a derivative for (imageID, width, height)
// already exists in the given slice.
func HasDerivative(derivatives []DerivativeEmbedded, imageID ID, width, height int) bool {
	for i := range derivatives {
		d := &derivatives[i]
		if d.ImageID == imageID && d.Width == width && d.Height == height {
			return true
		}
	}

	return false
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

// Job lifecycle states. Terminal states are sticky.
const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobType identifies the kind of work a background job tracks.
type JobType string

// Job type variants. Every type listed here increments stage counters and is
// therefore watched by the job monitor.
const (
	JobLibraryScan      JobType = "library-scan"
	JobCollectionScan   JobType = "collection-scan"
	JobResumeCollection JobType = "resume-collection"
	JobCacheCleanup     JobType = "cache-cleanup"
)

// Stage names used by the ingestion pipeline.
const (
	StageScan      = "scan"
	StageThumbnail = "thumbnail"
	StageCache     = "cache"
)

// JobStage is a named sub-counter of a job. Counters are mutated only via
// atomic increments, never read-modify-write.
type JobStage struct {
	Status    JobStatus `bson:"status"    json:"status"`
	Total     int64     `bson:"total"     json:"total"`
	Completed int64     `bson:"completed" json:"completed"`
	Failed    int64     `bson:"failed"    json:"failed"`
	Skipped   int64     `bson:"skipped"   json:"skipped"`
}

// Settled reports whether every queued item has been accounted for.
func (s JobStage) Settled() bool {
	return s.Completed+s.Failed+s.Skipped >= s.Total
}

// BackgroundJob tracks one unit of asynchronous pipeline work.
type BackgroundJob struct {
	ID           ID                   `bson:"_id"                    json:"id"`
	Type         JobType              `bson:"type"                   json:"type"`
	CollectionID *ID                  `bson:"collectionId,omitempty" json:"collectionId,omitempty"`
	LibraryID    *ID                  `bson:"libraryId,omitempty"    json:"libraryId,omitempty"`
	Status       JobStatus            `bson:"status"                 json:"status"`
	StartedAt    *time.Time           `bson:"startedAt,omitempty"    json:"startedAt,omitempty"`
	CompletedAt  *time.Time           `bson:"completedAt,omitempty"  json:"completedAt,omitempty"`
	Message      string               `bson:"message,omitempty"      json:"message,omitempty"`
	LastError    string               `bson:"lastError,omitempty"    json:"lastError,omitempty"`
	Stages       map[string]*JobStage `bson:"stages"                 json:"stages"`
	CreatedAt    time.Time            `bson:"createdAt"              json:"createdAt"`
	UpdatedAt    time.Time            `bson:"updatedAt"              json:"updatedAt"`
}

// RunTrigger identifies what caused a scheduled job run.
type RunTrigger string

// Run trigger variants.
const (
	TriggerScheduler RunTrigger = "scheduler"
	TriggerManual    RunTrigger = "manual"
	TriggerAPI       RunTrigger = "api"
)

// RunStatus is the lifecycle state of a scheduled job run.
type RunStatus string

// Run lifecycle states.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ScheduledJob is a recurring job definition stored in the catalog. The
// scheduler reconciles these into its in-memory registry on an interval.
type ScheduledJob struct {
	ID              ID             `bson:"_id"                    json:"id"`
	Name            string         `bson:"name"                   json:"name"`
	JobType         JobType        `bson:"jobType"                json:"jobType"`
	CronExpression  string         `bson:"cronExpression"         json:"cronExpression"`
	IntervalSeconds int            `bson:"intervalSeconds,omitempty" json:"intervalSeconds,omitempty"`
	IsEnabled       bool           `bson:"isEnabled"              json:"isEnabled"`
	Parameters      map[string]any `bson:"parameters"             json:"parameters"`
	LastRunAt       *time.Time     `bson:"lastRunAt,omitempty"    json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time     `bson:"nextRunAt,omitempty"    json:"nextRunAt,omitempty"`
	RunCount        int64          `bson:"runCount"               json:"runCount"`
	SuccessCount    int64          `bson:"successCount"           json:"successCount"`
	FailureCount    int64          `bson:"failureCount"           json:"failureCount"`
	LastStatus      RunStatus      `bson:"lastStatus,omitempty"   json:"lastStatus,omitempty"`
	LastError       string         `bson:"lastError,omitempty"    json:"lastError,omitempty"`
	Priority        int            `bson:"priority"               json:"priority"`
	TimeoutSeconds  int            `bson:"timeoutSeconds"         json:"timeoutSeconds"`
	MaxRetries      int            `bson:"maxRetries"             json:"maxRetries"`
	IsDeleted       bool           `bson:"isDeleted"              json:"isDeleted"`
}

// ScheduledJobRun records a single firing of a scheduled job.
type ScheduledJobRun struct {
	ID             ID             `bson:"_id"                    json:"id"`
	ScheduledJobID ID             `bson:"scheduledJobId"         json:"scheduledJobId"`
	Status         RunStatus      `bson:"status"                 json:"status"`
	StartedAt      time.Time      `bson:"startedAt"              json:"startedAt"`
	CompletedAt    *time.Time     `bson:"completedAt,omitempty"  json:"completedAt,omitempty"`
	DurationMs     int64          `bson:"durationMs,omitempty"   json:"durationMs,omitempty"`
	Result         map[string]any `bson:"result,omitempty"       json:"result,omitempty"`
	ErrorMessage   string         `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	TriggeredBy    RunTrigger     `bson:"triggeredBy"            json:"triggeredBy"`
}

// CacheFolder is a storage root for scaled cache images. The invariant
// totalCollections == |cachedCollectionIds| is maintained server-side by a
// single aggregation-pipeline update.
type CacheFolder struct {
	ID                  ID     `bson:"_id"                 json:"id"`
	Path                string `bson:"path"                json:"path"`
	Priority            int    `bson:"priority"            json:"priority"`
	IsActive            bool   `bson:"isActive"            json:"isActive"`
	CurrentSizeBytes    int64  `bson:"currentSizeBytes"    json:"currentSizeBytes"`
	TotalFiles          int64  `bson:"totalFiles"          json:"totalFiles"`
	TotalCollections    int64  `bson:"totalCollections"    json:"totalCollections"`
	CachedCollectionIDs []ID   `bson:"cachedCollectionIds" json:"cachedCollectionIds"`
}
