package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/shelfline/pkg/bus"
	"github.com/shelfline/shelfline/pkg/model"
)

func thumbMsg() model.ThumbnailGen {
	return model.ThumbnailGen{
		Envelope:     model.NewEnvelope(model.MessageThumbnailGen, uuid.NewString()),
		ImageID:      model.NewID(),
		CollectionID: model.NewID(),
		ImagePath:    "/lib/a/p01.jpg",
		Filename:     "p01.jpg",
		Width:        200,
		Height:       300,
		JobID:        model.NewID(),
	}
}

func TestValidatePayload(t *testing.T) {
	t.Parallel()

	msg := thumbMsg()

	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, bus.ValidatePayload(model.MessageThumbnailGen, payload))

	// Missing required field.
	bad := thumbMsg()
	bad.ImagePath = ""

	payload, err = json.Marshal(bad)
	require.NoError(t, err)

	err = bus.ValidatePayload(model.MessageThumbnailGen, payload)
	require.ErrorIs(t, err, bus.ErrValidation)

	// Unknown message type.
	err = bus.ValidatePayload("mystery", payload)
	require.ErrorIs(t, err, bus.ErrUnknownMessageType)
}

func TestMemoryBusDeliversFIFO(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus(5)
	ctx := context.Background()

	var got []string

	b.Subscribe(model.MessageThumbnailGen, func(_ context.Context, payload []byte) error {
		var msg model.ThumbnailGen
		require.NoError(t, json.Unmarshal(payload, &msg))

		got = append(got, msg.Filename)

		return nil
	})

	for i := range 3 {
		msg := thumbMsg()
		msg.Filename = fmt.Sprintf("p%02d.jpg", i)
		require.NoError(t, b.Publish(ctx, msg))
	}

	require.NoError(t, b.ProcessAll(ctx))
	assert.Equal(t, []string{"p00.jpg", "p01.jpg", "p02.jpg"}, got)
	assert.Zero(t, b.Pending(bus.QueueThumbnail))
}

func TestMemoryBusRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	const maxRetries = 3

	b := bus.NewMemoryBus(maxRetries)
	ctx := context.Background()

	attempts := 0

	b.Subscribe(model.MessageThumbnailGen, func(_ context.Context, _ []byte) error {
		attempts++

		return errors.New("transient broker hiccup")
	})

	require.NoError(t, b.Publish(ctx, thumbMsg()))
	require.NoError(t, b.ProcessAll(ctx))

	assert.Equal(t, maxRetries, attempts)
	assert.Len(t, b.DeadLetters(bus.QueueThumbnail), 1)
}

func TestMemoryBusGoneAcksWithoutRetry(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus(5)
	ctx := context.Background()

	attempts := 0

	b.Subscribe(model.MessageThumbnailGen, func(_ context.Context, _ []byte) error {
		attempts++

		return fmt.Errorf("collection vanished: %w", bus.ErrGone)
	})

	require.NoError(t, b.Publish(ctx, thumbMsg()))
	require.NoError(t, b.ProcessAll(ctx))

	assert.Equal(t, 1, attempts)
	assert.Empty(t, b.DeadLetters(bus.QueueThumbnail))
}

func TestMemoryBusCorruptDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus(5)
	ctx := context.Background()

	attempts := 0

	b.Subscribe(model.MessageThumbnailGen, func(_ context.Context, _ []byte) error {
		attempts++

		return fmt.Errorf("decode: %w", bus.ErrCorrupt)
	})

	require.NoError(t, b.Publish(ctx, thumbMsg()))
	require.NoError(t, b.ProcessAll(ctx))

	assert.Equal(t, 1, attempts)
	assert.Len(t, b.DeadLetters(bus.QueueThumbnail), 1)
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus(5)

	msg := thumbMsg()
	msg.Width = 0 // Violates minimum: 1.

	err := b.Publish(context.Background(), msg)
	require.ErrorIs(t, err, bus.ErrValidation)
	assert.Zero(t, b.Pending(bus.QueueThumbnail))
}

func TestQueueForType(t *testing.T) {
	t.Parallel()

	q, ok := bus.QueueForType(model.MessageLibraryScan)
	assert.True(t, ok)
	assert.Equal(t, bus.QueueLibraryScan, q)

	_, ok = bus.QueueForType("nope")
	assert.False(t, ok)
}
