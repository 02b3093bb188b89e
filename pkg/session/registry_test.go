package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/pkg/errors"
	"callbridge/pkg/media"
	"callbridge/pkg/signaling"
)

func TestCreateOutgoingRejectsSecondCallForPair(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	first, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)

	_, err = h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindVideo)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyActive)

	// The existing session is untouched.
	s, err := h.registry.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRingingOutgoing, s.State())

	// A different pair is unaffected.
	_, err = h.registry.CreateOutgoing(context.Background(), "patient-2", media.KindAudio)
	require.NoError(t, err)
}

func TestCreateOutgoingValidatesInput(t *testing.T) {
	h := newHarness(t, RegistryConfig{ParticipantID: "doctor-1"})

	_, err := h.registry.CreateOutgoing(context.Background(), "", media.KindAudio)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = h.registry.CreateOutgoing(context.Background(), "doctor-1", media.KindAudio)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = h.registry.CreateOutgoing(context.Background(), "patient-1", media.Kind("screenshare"))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestAdmitIncomingBusySendsReject(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	_, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)

	// The caller listens on the channel it announced.
	var mu sync.Mutex
	var rejects []*signaling.Message
	require.NoError(t, h.remote.Subscribe("session-busy-1", func(msg *signaling.Message) {
		mu.Lock()
		rejects = append(rejects, msg)
		mu.Unlock()
	}))

	_, err = h.registry.AdmitIncoming(context.Background(), "session-busy-1", "patient-1", media.KindAudio)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyActive)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rejects) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, signaling.TypeReject, rejects[0].Type)
	assert.Equal(t, signaling.ReasonBusy, rejects[0].Reason)
	mu.Unlock()
}

func TestConcurrentAdmitsOnlyOneWins(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = h.registry.AdmitIncoming(context.Background(),
				fmt.Sprintf("session-race-%d", i), "patient-1", media.KindAudio)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range results {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, errors.ErrAlreadyActive)
		}
	}
	assert.Equal(t, 1, won, "exactly one admit must claim the pair")
}

func TestPairSlotFreedAfterTerminal(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	first, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)
	s, err := h.registry.Get(first.ID)
	require.NoError(t, err)

	require.NoError(t, h.registry.Hangup(first.ID))
	waitForState(t, s, StateEnded)

	// The pair is callable again.
	second, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRemoveRefusesLiveSession(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)

	assert.Error(t, h.registry.Remove(snap.ID))

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	require.NoError(t, h.registry.Hangup(snap.ID))
	waitForState(t, s, StateEnded)

	require.NoError(t, h.registry.Remove(snap.ID))
	require.NoError(t, h.registry.Remove(snap.ID)) // idempotent

	_, err = h.registry.Get(snap.ID)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	h := newHarness(t, RegistryConfig{})
	events := h.registry.Subscribe()

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-notify-1", "patient-1", media.KindAudio)
	require.NoError(t, err)
	h.remoteInbox(t, snap.ID)
	require.NoError(t, h.registry.Accept(snap.ID))
	h.engine.FireNegotiated(snap.ID)

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateActive)
	require.NoError(t, h.registry.Hangup(snap.ID))
	waitForState(t, s, StateEnded)

	seen := map[State]bool{}
	deadline := time.After(time.Second)
	for !seen[StateEnded] {
		select {
		case n := <-events:
			seen[n.State] = true
			if n.State == StateEnded {
				assert.Equal(t, ReasonLocalHangup, n.EndReason)
			}
		case <-deadline:
			t.Fatal("never saw the terminal notification")
		}
	}
	assert.True(t, seen[StateRingingIncoming])
	assert.True(t, seen[StateConnecting])
	assert.True(t, seen[StateActive])
}

func TestClosedRegistryRefusesCreation(t *testing.T) {
	h := newHarness(t, RegistryConfig{})
	require.NoError(t, h.registry.Close())

	_, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	assert.ErrorIs(t, err, errors.ErrUnavailable)
}
