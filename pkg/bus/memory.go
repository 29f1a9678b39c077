package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shelfline/shelfline/pkg/model"
)

// memoryPollInterval is the idle sleep between drain passes in Run.
const memoryPollInterval = 50 * time.Millisecond

// delivery is one queued message with its attempt count.
type delivery struct {
	messageType string
	payload     []byte
	attempts    int
}

// MemoryBus is an in-process Bus with the same delivery semantics as the
// durable adapter: FIFO per queue, bounded retries, dead-letter on
// validation failure or retry exhaustion. It backs tests and single-process
// deployments.
type MemoryBus struct {
	mu         sync.Mutex
	queues     map[string][]delivery
	dead       map[string][]delivery
	handlers   map[string]HandlerFunc
	maxRetries int
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(maxRetries int) *MemoryBus {
	return &MemoryBus{
		queues:     make(map[string][]delivery),
		dead:       make(map[string][]delivery),
		handlers:   make(map[string]HandlerFunc),
		maxRetries: maxRetries,
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, msg model.Message) error {
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

	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[queue] = append(b.queues[queue], delivery{messageType: msg.MessageType(), payload: payload})

	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(messageType string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[messageType] = h
}

// pop removes the head of the first non-empty queue, in stable queue order.
func (b *MemoryBus) pop() (string, delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, queue := range []string{QueueLibraryScan, QueueCollection, QueueThumbnail, QueueCacheGen} {
		pending := b.queues[queue]
		if len(pending) == 0 {
			continue
		}

		head := pending[0]
		b.queues[queue] = pending[1:]

		return queue, head, true
	}

	return "", delivery{}, false
}

// ProcessAll drains every queue deterministically, including messages
// published by the handlers themselves. It returns when all queues are
// empty or the context is cancelled.
func (b *MemoryBus) ProcessAll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("process all: %w", err)
		}

		queue, d, ok := b.pop()
		if !ok {
			return nil
		}

		b.dispatch(ctx, queue, d)
	}
}

// dispatch runs one delivery through its handler, applying the retry and
// dead-letter policy.
func (b *MemoryBus) dispatch(ctx context.Context, queue string, d delivery) {
	b.mu.Lock()
	h, ok := b.handlers[d.messageType]
	b.mu.Unlock()

	if !ok {
		b.deadLetter(queue, d)

		return
	}

	err := h(ctx, d.payload)

	switch {
	case err == nil, errors.Is(err, ErrGone):
		// Acked.
	case errors.Is(err, ErrValidation), errors.Is(err, ErrCorrupt):
		b.deadLetter(queue, d)
	default:
		d.attempts++
		if d.attempts >= b.maxRetries {
			b.deadLetter(queue, d)

			return
		}

		b.mu.Lock()
		b.queues[queue] = append(b.queues[queue], d)
		b.mu.Unlock()
	}
}

func (b *MemoryBus) deadLetter(queue string, d delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dead[queue] = append(b.dead[queue], d)
}

// Run implements Bus: it drains continuously until the context is
// cancelled.
func (b *MemoryBus) Run(ctx context.Context) error {
	for {
		if err := b.ProcessAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(memoryPollInterval):
		}
	}
}

// Pending returns the number of messages waiting on a queue.
func (b *MemoryBus) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queues[queue])
}

// DeadLetters returns the payloads dead-lettered from a queue.
func (b *MemoryBus) DeadLetters(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, len(b.dead[queue]))
	for _, d := range b.dead[queue] {
		out = append(out, d.payload)
	}

	return out
}

// PublishedCount returns pending plus dead for a queue; used by tests that
// assert exact fan-out counts.
func (b *MemoryBus) PublishedCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queues[queue]) + len(b.dead[queue])
}
