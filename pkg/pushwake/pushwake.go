// Package pushwake delivers call wake events between nodes. A caller node
// publishes a wake event when it announces a call; the callee node, which may
// have no live signaling connection yet, consumes the event, looks up the
// wake pointer, and admits the incoming session.
package pushwake

import (
	"time"

	"callbridge/pkg/media"
)

// EventType classifies a wake event.
type EventType string

const (
	// EventIncomingCall wakes the callee for a ringing call.
	EventIncomingCall EventType = "incoming_call"

	// EventCallCancelled tells a woken callee the caller gave up before the
	// session was admitted.
	EventCallCancelled EventType = "call_cancelled"
)

// WakeEvent is the payload published to the wake queue.
type WakeEvent struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id"`
	CallerID  string     `json:"caller_id"`
	CalleeID  string     `json:"callee_id"`
	MediaKind media.Kind `json:"media_kind"`
	Timestamp time.Time  `json:"timestamp"`
}

// Handler consumes one wake event. Returning an error requeues nothing; wake
// delivery is best effort and the ring timeout bounds every loss.
type Handler func(event WakeEvent)
