package media

import "context"

// Kind is the media composition of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Role is the negotiation role of the local side.
type Role string

const (
	// RoleCaller creates the offer.
	RoleCaller Role = "caller"
	// RoleCallee answers the remote offer.
	RoleCallee Role = "callee"
)

// Callbacks are fired by the engine as a session's media progresses. All
// callbacks carry the session ID so one engine can serve many sessions.
// Callbacks may be invoked from engine-internal goroutines; consumers must
// feed them back into their own serialization.
type Callbacks struct {
	// OnNegotiated fires once when transport and codec parameters are
	// agreed and media can flow.
	OnNegotiated func(sessionID string)

	// OnRemoteStream fires when the first remote media track arrives.
	OnRemoteStream func(sessionID string)

	// OnFailure fires when negotiation or the established transport fails.
	OnFailure func(sessionID string, err error)

	// OnRemoteHangupDetected fires when the remote peer is gone without a
	// signaling hangup (transport loss outlasting the reconnect grace).
	OnRemoteHangupDetected func(sessionID string)
}

// SendSignal transmits an opaque negotiation payload to the remote peer via
// the signaling channel.
type SendSignal func(sessionID string, payload []byte) error

// Engine is the media engine boundary. The orchestrator starts negotiation
// once a call is accepted, forwards inbound negotiation payloads, and tears
// the session down on every exit path.
type Engine interface {
	// BeginNegotiation starts media setup for a session. The caller role
	// produces the offer; the callee role answers it.
	BeginNegotiation(ctx context.Context, sessionID string, kind Kind, role Role) error

	// HandleRemoteSignal feeds an inbound negotiation payload (offer,
	// answer, or ICE candidate) into the session's negotiation.
	HandleRemoteSignal(sessionID string, payload []byte) error

	// Teardown releases the session's media resources. Idempotent; called
	// on every exit path.
	Teardown(sessionID string) error

	// Close tears down all sessions.
	Close() error
}
