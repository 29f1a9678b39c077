// Package bus provides durable publish/subscribe for the ingestion pipeline:
// named queues, explicit acks, bounded retries with exponential backoff, and
// a dead-letter queue per topic. Delivery is at-least-once; consumers must be
// idempotent and position-independent.
package bus

import (
	"context"
	"errors"

	"github.com/shelfline/shelfline/pkg/model"
)

// Queue names.
const (
	QueueLibraryScan   = "library_scan_queue"
	QueueCollection    = "collection_scan_queue"
	QueueThumbnail     = "thumbnail_generation_queue"
	QueueCacheGen      = "cache_generation_queue"
)

// Sentinel errors controlling delivery semantics.
var (
	// ErrValidation marks a malformed message. It is routed to the
	// dead-letter queue immediately and never retried.
	ErrValidation = errors.New("message validation failed")

	// ErrGone marks a message whose target no longer exists. The message
	// is acked and skipped; the job is not failed.
	ErrGone = errors.New("message target gone")

	// ErrCorrupt marks undecodable input. The item is acked after the
	// stage failure has been recorded; it is not retried.
	ErrCorrupt = errors.New("corrupt input")

	// ErrUnknownMessageType is returned when publishing an unregistered
	// envelope.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// queueFor maps a message type to its queue.
var queueFor = map[string]string{
	model.MessageLibraryScan:  QueueLibraryScan,
	model.MessageCollection:   QueueCollection,
	model.MessageThumbnailGen: QueueThumbnail,
	model.MessageCacheGen:     QueueCacheGen,
}

// QueueForType returns the queue a message type is routed to.
func QueueForType(messageType string) (string, bool) {
	q, ok := queueFor[messageType]

	return q, ok
}

// HandlerFunc consumes one message payload. Returning nil acks the message.
// Returning an error wrapping ErrValidation dead-letters it; wrapping ErrGone
// acks and skips; wrapping ErrCorrupt ends delivery without a retry; any
// other error triggers a redelivery with backoff until the attempt limit
// routes it to the dead-letter queue.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Bus is the durable messaging surface used by the pipeline.
type Bus interface {
	// Publish validates and enqueues a message on its queue.
	Publish(ctx context.Context, msg model.Message) error

	// Subscribe registers the handler for a message type. Must be called
	// before Run.
	Subscribe(messageType string, h HandlerFunc)

	// Run consumes messages until the context is cancelled.
	Run(ctx context.Context) error
}
