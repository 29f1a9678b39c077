package model

// Message type tags carried in every envelope.
const (
	MessageLibraryScan  = "library_scan"
	MessageCollection   = "collection_scan"
	MessageThumbnailGen = "thumbnail_generation"
	MessageCacheGen     = "cache_generation"
)

// ScanType selects how much of a library to re-examine.
type ScanType string

// Scan type variants.
const (
	ScanFull        ScanType = "full"
	ScanIncremental ScanType = "incremental"
)

// Message is implemented by every queue envelope.
type Message interface {
	// MessageType returns the stable wire tag for the envelope.
	MessageType() string
	// Correlation returns the correlation id threading related messages.
	Correlation() string
}

// Envelope carries the fields common to all messages.
type Envelope struct {
	Type          string `json:"messageType"`
	CorrelationID string `json:"correlationId"`
}

// MessageType implements Message.
func (e Envelope) MessageType() string { return e.Type }

// Correlation implements Message.
func (e Envelope) Correlation() string { return e.CorrelationID }

// LibraryScan asks the scan orchestrator to decompose a library into
// per-collection work.
type LibraryScan struct {
	Envelope
	LibraryID         ID       `json:"libraryId"`
	LibraryPath       string   `json:"libraryPath"`
	ScanType          ScanType `json:"scanType"`
	IncludeSubfolders bool     `json:"includeSubfolders"`
	ResumeIncomplete  bool     `json:"resumeIncomplete"`
	OverwriteExisting bool     `json:"overwriteExisting"`
	ScheduledJobID    *ID      `json:"scheduledJobId,omitempty"`
	JobRunID          *ID      `json:"jobRunId,omitempty"`
}

// CollectionScan asks the collection consumer to enumerate and persist the
// images of one collection.
type CollectionScan struct {
	Envelope
	CollectionID    ID     `json:"collectionId"`
	CollectionPath  string `json:"collectionPath"`
	ForceRescan     bool   `json:"forceRescan"`
	ThumbnailWidth  int    `json:"thumbnailW"`
	ThumbnailHeight int    `json:"thumbnailH"`
	CacheWidth      int    `json:"cacheW"`
	CacheHeight     int    `json:"cacheH"`
	JobID           ID     `json:"jobId"`
}

// ThumbnailGen asks the thumbnail consumer to produce one thumbnail.
// ImagePath may reference an archive entry using the '#' separator.
type ThumbnailGen struct {
	Envelope
	ImageID      ID     `json:"imageId"`
	CollectionID ID     `json:"collectionId"`
	ImagePath    string `json:"imagePath"`
	Filename     string `json:"filename"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	JobID        ID     `json:"jobId"`
}

// CacheGen asks the cache consumer to produce one scaled cache image.
// CachePath may be empty; the consumer computes it from the folder selector.
type CacheGen struct {
	Envelope
	ImageID         ID     `json:"imageId"`
	CollectionID    ID     `json:"collectionId"`
	ImagePath       string `json:"imagePath"`
	CachePath       string `json:"cachePath,omitempty"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Quality         int    `json:"quality"`
	Format          string `json:"format"`
	ForceRegenerate bool   `json:"forceRegenerate"`
	JobID           ID     `json:"jobId"`
}

// NewEnvelope builds the common envelope for a message type.
func NewEnvelope(messageType, correlationID string) Envelope {
	return Envelope{Type: messageType, CorrelationID: correlationID}
}
