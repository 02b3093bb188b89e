package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) (*SignalHub, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	hub := NewSignalHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	NewServer(hub, logger).Routes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialLeg(t *testing.T, baseURL, sessionID, participant string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(
		baseURL+"/signal/"+sessionID+"?participant="+participant, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRelayForwardsToOtherLeg(t *testing.T) {
	hub, baseURL := newTestRelay(t)

	caller := dialLeg(t, baseURL, "session-1", "patient-1")
	callee := dialLeg(t, baseURL, "session-1", "doctor-1")

	require.Eventually(t, func() bool {
		return hub.SessionLegs("session-1") == 2
	}, time.Second, 5*time.Millisecond)

	payload := []byte(`{"type":"ring","session_id":"session-1"}`)
	require.NoError(t, caller.WriteMessage(websocket.TextMessage, payload))

	callee.SetReadDeadline(time.Now().Add(time.Second))
	_, got, err := callee.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRelayDoesNotEchoToSender(t *testing.T) {
	hub, baseURL := newTestRelay(t)

	caller := dialLeg(t, baseURL, "session-1", "patient-1")
	callee := dialLeg(t, baseURL, "session-1", "doctor-1")
	_ = callee

	require.Eventually(t, func() bool {
		return hub.SessionLegs("session-1") == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, caller.WriteMessage(websocket.TextMessage, []byte(`{"type":"ring"}`)))

	caller.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := caller.ReadMessage()
	assert.Error(t, err, "sender must not receive its own frame")
}

func TestRelayIsolatesSessions(t *testing.T) {
	hub, baseURL := newTestRelay(t)

	caller := dialLeg(t, baseURL, "session-1", "patient-1")
	other := dialLeg(t, baseURL, "session-2", "doctor-1")

	require.Eventually(t, func() bool {
		return hub.SessionLegs("session-1") == 1 && hub.SessionLegs("session-2") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, caller.WriteMessage(websocket.TextMessage, []byte(`{"type":"ring"}`)))

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "frames must not cross sessions")
}

func TestRelayCleansUpOnDisconnect(t *testing.T) {
	hub, baseURL := newTestRelay(t)

	caller := dialLeg(t, baseURL, "session-1", "patient-1")
	require.Eventually(t, func() bool {
		return hub.SessionLegs("session-1") == 1
	}, time.Second, 5*time.Millisecond)

	caller.Close()
	require.Eventually(t, func() bool {
		return hub.SessionLegs("session-1") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRelaySessionLegsDuringForwardStorm(t *testing.T) {
	hub, baseURL := newTestRelay(t)

	caller := dialLeg(t, baseURL, "session-1", "patient-1")
	callee := dialLeg(t, baseURL, "session-1", "doctor-1")

	require.Eventually(t, func() bool {
		return hub.SessionLegs("session-1") == 2
	}, time.Second, 5*time.Millisecond)

	// Hammer the forward path while polling SessionLegs; the race detector
	// trips if the hub mutates the legs map without exclusive access.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if err := caller.WriteMessage(websocket.TextMessage, []byte(`{"type":"negotiation"}`)); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.SessionLegs("session-1")
		select {
		case <-done:
			deadline = time.Time{}
		default:
		}
	}

	callee.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := callee.ReadMessage()
	assert.NoError(t, err, "forwarding must survive concurrent leg counting")
}

func TestRelayRejectsMissingSession(t *testing.T) {
	_, baseURL := newTestRelay(t)

	httpURL := "http" + strings.TrimPrefix(baseURL, "ws")
	resp, err := http.Get(httpURL + "/signal/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
