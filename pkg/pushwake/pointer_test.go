package pushwake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/pkg/errors"
	"callbridge/pkg/media"
)

func TestMemoryPointerStorePutGet(t *testing.T) {
	store := NewMemoryPointerStore(time.Minute)
	ctx := context.Background()

	pointer := WakePointer{
		SessionID: "session-1",
		CallerID:  "patient-1",
		CalleeID:  "doctor-1",
		MediaKind: media.KindVideo,
	}
	require.NoError(t, store.Put(ctx, pointer))

	got, err := store.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "patient-1", got.CallerID)
	assert.Equal(t, media.KindVideo, got.MediaKind)
	assert.False(t, got.CreatedAt.IsZero(), "Put should stamp CreatedAt")
}

func TestMemoryPointerStoreMissing(t *testing.T) {
	store := NewMemoryPointerStore(time.Minute)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestMemoryPointerStoreExpiry(t *testing.T) {
	store := NewMemoryPointerStore(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, WakePointer{
		SessionID: "session-1",
		CallerID:  "patient-1",
		CalleeID:  "doctor-1",
	}))

	time.Sleep(20 * time.Millisecond)
	_, err := store.Get(ctx, "session-1")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestMemoryPointerStoreDeleteIdempotent(t *testing.T) {
	store := NewMemoryPointerStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, WakePointer{
		SessionID: "session-1",
		CallerID:  "patient-1",
		CalleeID:  "doctor-1",
	}))
	require.NoError(t, store.Delete(ctx, "session-1"))
	require.NoError(t, store.Delete(ctx, "session-1"))

	_, err := store.Get(ctx, "session-1")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestPutRequiresSessionID(t *testing.T) {
	store := NewMemoryPointerStore(time.Minute)
	err := store.Put(context.Background(), WakePointer{CallerID: "patient-1"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}
