package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shelfline/shelfline/pkg/model"
)

// defaultTaskTimeout bounds one consumer invocation.
const defaultTaskTimeout = 10 * time.Minute

// AsynqConfig configures the durable queue adapter.
type AsynqConfig struct {
	// RedisAddr is the host:port of the backing broker.
	RedisAddr string

	// Prefetch is the per-consumer in-flight bound (worker concurrency).
	Prefetch int

	// MaxRetries is the attempt limit before a message is dead-lettered.
	MaxRetries int
}

// AsynqBus is the production Bus on a Redis-backed durable queue. Messages
// are persistent, retried with exponential backoff up to MaxRetries, and
// archived (the dead-letter queue) on exhaustion.
type AsynqBus struct {
	client *asynq.Client
	mux    *asynq.ServeMux
	cfg    AsynqConfig
	logger *slog.Logger
}

// NewAsynqBus creates the adapter. The returned bus publishes immediately;
// consumption starts with Run.
func NewAsynqBus(cfg AsynqConfig, logger *slog.Logger) *AsynqBus {
	return &AsynqBus{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}),
		mux:    asynq.NewServeMux(),
		cfg:    cfg,
		logger: logger,
	}
}

// Publish implements Bus. The envelope is validated before it leaves the
// process; invalid messages never reach the broker.
func (b *AsynqBus) Publish(ctx context.Context, msg model.Message) error {
	queue, ok := QueueForType(msg.MessageType())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.MessageType())
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}

	if err := ValidatePayload(msg.MessageType(), payload); err != nil {
		return err
	}

	task := asynq.NewTask(msg.MessageType(), payload,
		asynq.Queue(queue),
		asynq.MaxRetry(b.cfg.MaxRetries),
		asynq.Timeout(defaultTaskTimeout),
	)

	if _, err := b.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.MessageType(), err)
	}

	return nil
}

// Subscribe implements Bus.
func (b *AsynqBus) Subscribe(messageType string, h HandlerFunc) {
	b.mux.HandleFunc(messageType, func(ctx context.Context, task *asynq.Task) error {
		if err := ValidatePayload(task.Type(), task.Payload()); err != nil {
			// Malformed on receipt: dead-letter, never loop.
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		err := h(ctx, task.Payload())

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrGone):
			b.logger.WarnContext(ctx, "message target gone, skipping",
				slog.String("message_type", task.Type()),
				slog.String("error", err.Error()))

			return nil
		case errors.Is(err, ErrValidation), errors.Is(err, ErrCorrupt):
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			return err
		}
	})
}

// Run implements Bus. It blocks consuming all four queues until the context
// is cancelled, then drains in-flight work.
func (b *AsynqBus) Run(ctx context.Context) error {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: b.cfg.RedisAddr},
		asynq.Config{
			Concurrency: b.cfg.Prefetch,
			Queues: map[string]int{
				QueueLibraryScan: 1,
				QueueCollection:  2,
				QueueThumbnail:   3,
				QueueCacheGen:    3,
			},
		},
	)

	if err := server.Start(b.mux); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}

	<-ctx.Done()

	server.Shutdown()

	return nil
}

// Close releases the publisher connection.
func (b *AsynqBus) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close queue client: %w", err)
	}

	return nil
}
