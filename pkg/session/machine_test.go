package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/pkg/errors"
	"callbridge/pkg/media"
	"callbridge/pkg/signaling"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type harness struct {
	broker   *signaling.MemoryBroker
	remote   signaling.Adapter
	registry *Registry
	engine   *media.MockEngine
}

func newHarness(t *testing.T, config RegistryConfig) *harness {
	t.Helper()
	if config.ParticipantID == "" {
		config.ParticipantID = "doctor-1"
	}

	broker := signaling.NewMemoryBroker(quietLogger())
	local := broker.Endpoint("local")
	remote := broker.Endpoint("remote")

	registry := NewRegistry(config, local, quietLogger())
	engine := media.NewMockEngine()
	engine.SetCallbacks(registry.MediaCallbacks())
	registry.SetEngine(engine)

	t.Cleanup(func() { _ = registry.Close() })
	return &harness{broker: broker, remote: remote, registry: registry, engine: engine}
}

// remoteInbox subscribes the remote endpoint on a session and collects what
// it receives, the way the far side of a call would.
func (h *harness) remoteInbox(t *testing.T, sessionID string) func() []*signaling.Message {
	t.Helper()
	var mu sync.Mutex
	var msgs []*signaling.Message
	require.NoError(t, h.remote.Subscribe(sessionID, func(msg *signaling.Message) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	}))
	return func() []*signaling.Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*signaling.Message, len(msgs))
		copy(out, msgs)
		return out
	}
}

func (h *harness) remoteSend(t *testing.T, msg *signaling.Message) {
	t.Helper()
	require.NoError(t, h.remote.Send(context.Background(), msg))
}

func waitForState(t *testing.T, s *CallSession, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, s.State())
}

func TestOutgoingCallFullLifecycle(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindVideo)
	require.NoError(t, err)
	assert.Equal(t, StateRingingOutgoing, snap.State)
	assert.Equal(t, DirectionOutgoing, snap.Direction)

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)

	// Callee answers.
	h.remoteInbox(t, snap.ID)
	h.remoteSend(t, &signaling.Message{
		Type:      signaling.TypeAccept,
		SessionID: snap.ID,
		From:      "patient-1",
	})
	waitForState(t, s, StateConnecting)

	negotiations := h.engine.Negotiations()
	require.Len(t, negotiations, 1)
	assert.Equal(t, media.RoleCaller, negotiations[0].Role)
	assert.Equal(t, media.KindVideo, negotiations[0].Kind)

	h.engine.FireNegotiated(snap.ID)
	waitForState(t, s, StateActive)

	require.NoError(t, h.registry.Hangup(snap.ID))
	waitForState(t, s, StateEnded)

	final := s.Snapshot()
	assert.Equal(t, ReasonLocalHangup, final.EndReason)
	assert.False(t, final.AnsweredAt.IsZero())
	assert.False(t, final.AnsweredAt.After(final.EndedAt), "answeredAt must not exceed endedAt")
	assert.Equal(t, 1, h.engine.TeardownCount(snap.ID))
}

func TestLocalHangupDuringRingSendsCancel(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	// The session ID only exists after the call is placed, so the remote
	// side joins late and observes the cancel instead of the ring.
	sessionSeen := make(chan *signaling.Message, 1)
	snap, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)

	require.NoError(t, h.remote.Subscribe(snap.ID, func(msg *signaling.Message) {
		select {
		case sessionSeen <- msg:
		default:
		}
	}))

	require.NoError(t, h.registry.Hangup(snap.ID))

	select {
	case msg := <-sessionSeen:
		assert.Equal(t, signaling.TypeCancel, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("remote side never saw the cancel")
	}
}

func TestRingTimeoutFreezesSession(t *testing.T) {
	h := newHarness(t, RegistryConfig{RingTimeout: 30 * time.Millisecond})

	snap, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateTimedOut)

	// A late accept must not thaw the session.
	err = h.registry.Accept(snap.ID)
	assert.ErrorIs(t, err, errors.ErrSessionTerminated)
	assert.Equal(t, StateTimedOut, s.State())

	final := s.Snapshot()
	assert.Equal(t, ReasonTimedOut, final.EndReason)
	assert.ErrorIs(t, final.EndCause, errors.ErrTimeout)
}

func TestDuplicateHangupIsIdempotent(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)
	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)

	require.NoError(t, h.registry.Hangup(snap.ID))
	waitForState(t, s, StateEnded)

	// Second hangup is a no-op, and teardown ran exactly once.
	require.NoError(t, h.registry.Hangup(snap.ID))
	assert.Equal(t, ReasonLocalHangup, s.Snapshot().EndReason)
}

func TestIncomingAcceptNegotiatesAsCallee(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-1", "patient-1", media.KindAudio)
	require.NoError(t, err)
	assert.Equal(t, StateRingingIncoming, snap.State)
	assert.Equal(t, DirectionIncoming, snap.Direction)

	inbox := h.remoteInbox(t, snap.ID)
	require.NoError(t, h.registry.Accept(snap.ID))

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, s.State())

	negotiations := h.engine.Negotiations()
	require.Len(t, negotiations, 1)
	assert.Equal(t, media.RoleCallee, negotiations[0].Role)

	require.Eventually(t, func() bool {
		for _, msg := range inbox() {
			if msg.Type == signaling.TypeAccept {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "caller never saw the accept")
}

func TestIncomingRejectNotifiesCaller(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-2", "patient-1", media.KindAudio)
	require.NoError(t, err)
	inbox := h.remoteInbox(t, snap.ID)

	require.NoError(t, h.registry.Reject(snap.ID))

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateRejected)
	assert.Equal(t, ReasonRejected, s.Snapshot().EndReason)

	require.Eventually(t, func() bool {
		for _, msg := range inbox() {
			if msg.Type == signaling.TypeReject {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRemoteCancelEndsIncomingRing(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-3", "patient-1", media.KindAudio)
	require.NoError(t, err)

	h.remoteInbox(t, snap.ID)
	h.remoteSend(t, &signaling.Message{
		Type:      signaling.TypeCancel,
		SessionID: snap.ID,
		From:      "patient-1",
	})

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateEnded)
	assert.Equal(t, ReasonRemoteHangup, s.Snapshot().EndReason)
}

func TestRemoteRejectBusyMapsToAlreadyActive(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.CreateOutgoing(context.Background(), "patient-1", media.KindAudio)
	require.NoError(t, err)

	h.remoteInbox(t, snap.ID)
	h.remoteSend(t, &signaling.Message{
		Type:      signaling.TypeReject,
		SessionID: snap.ID,
		From:      "patient-1",
		Reason:    signaling.ReasonBusy,
	})

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateRejected)

	final := s.Snapshot()
	assert.Equal(t, ReasonRejected, final.EndReason)
	assert.ErrorIs(t, final.EndCause, errors.ErrAlreadyActive)
}

func TestMediaFailureBeforeActiveFails(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-4", "patient-1", media.KindAudio)
	require.NoError(t, err)
	inbox := h.remoteInbox(t, snap.ID)
	require.NoError(t, h.registry.Accept(snap.ID))

	h.engine.FireFailure(snap.ID, errors.NewMediaFailure(snap.ID, nil))

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateFailed)

	final := s.Snapshot()
	assert.Equal(t, ReasonError, final.EndReason)
	assert.ErrorIs(t, final.EndCause, errors.ErrMediaFailure)
	assert.Equal(t, 1, h.engine.TeardownCount(snap.ID))

	// The caller was still negotiating; it must be told the call is dead.
	require.Eventually(t, func() bool {
		for _, msg := range inbox() {
			if msg.Type == signaling.TypeHangup && msg.Reason == "error" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "remote side never told the call failed")
}

func TestMediaFailureMidCallHangsUpRemote(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-8", "patient-1", media.KindVideo)
	require.NoError(t, err)
	inbox := h.remoteInbox(t, snap.ID)
	require.NoError(t, h.registry.Accept(snap.ID))
	h.engine.FireNegotiated(snap.ID)

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateActive)

	h.engine.FireFailure(snap.ID, errors.NewMediaFailure(snap.ID, nil))
	waitForState(t, s, StateEnded)
	assert.Equal(t, ReasonError, s.Snapshot().EndReason)

	require.Eventually(t, func() bool {
		for _, msg := range inbox() {
			if msg.Type == signaling.TypeHangup && msg.Reason == "error" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "remote side never told the call failed")
}

func TestRemotePeerLossEndsActiveCall(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-5", "patient-1", media.KindVideo)
	require.NoError(t, err)
	h.remoteInbox(t, snap.ID)
	require.NoError(t, h.registry.Accept(snap.ID))
	h.engine.FireNegotiated(snap.ID)

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateActive)

	h.engine.FireRemoteHangupDetected(snap.ID)
	waitForState(t, s, StateEnded)
	assert.Equal(t, ReasonRemoteHangup, s.Snapshot().EndReason)
	assert.Equal(t, 1, h.engine.TeardownCount(snap.ID))
}

func TestAnswerTimeoutInConnecting(t *testing.T) {
	h := newHarness(t, RegistryConfig{AnswerTimeout: 30 * time.Millisecond})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-6", "patient-1", media.KindAudio)
	require.NoError(t, err)
	h.remoteInbox(t, snap.ID)
	require.NoError(t, h.registry.Accept(snap.ID))

	s, err := h.registry.Get(snap.ID)
	require.NoError(t, err)
	waitForState(t, s, StateTimedOut)
	assert.Equal(t, ReasonTimedOut, s.Snapshot().EndReason)
	assert.Equal(t, 1, h.engine.TeardownCount(snap.ID))
}

func TestNegotiationPayloadForwardedToEngine(t *testing.T) {
	h := newHarness(t, RegistryConfig{})

	snap, err := h.registry.AdmitIncoming(context.Background(), "session-in-7", "patient-1", media.KindAudio)
	require.NoError(t, err)
	h.remoteInbox(t, snap.ID)
	require.NoError(t, h.registry.Accept(snap.ID))

	h.remoteSend(t, &signaling.Message{
		Type:      signaling.TypeNegotiation,
		SessionID: snap.ID,
		From:      "patient-1",
		Payload:   []byte(`{"kind":"offer","sdp":"v=0"}`),
	})

	require.Eventually(t, func() bool {
		return len(h.engine.Signals(snap.ID)) == 1
	}, time.Second, 5*time.Millisecond)
}
