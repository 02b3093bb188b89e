package signaling

import (
	"encoding/json"
	"time"

	"callbridge/pkg/errors"
)

// Type identifies a call-control message on the signaling channel.
type Type string

const (
	// TypeRing announces a new call attempt to the remote participant.
	TypeRing Type = "ring"
	// TypeAccept is sent by the callee when the call is answered.
	TypeAccept Type = "accept"
	// TypeReject is sent by the callee when the call is declined. A
	// Reason of "busy" marks an automatic rejection.
	TypeReject Type = "reject"
	// TypeCancel is sent by the caller when it gives up before an answer.
	TypeCancel Type = "cancel"
	// TypeHangup terminates an established call.
	TypeHangup Type = "hangup"
	// TypeNegotiation carries an opaque media negotiation payload
	// (SDP or ICE candidate) forwarded verbatim to the media engine.
	TypeNegotiation Type = "negotiation"
)

// ReasonBusy marks a reject sent because the pair already had an active call.
const ReasonBusy = "busy"

// Message is one signaling message, always tagged with the session it
// belongs to. Payload is opaque to the orchestrator.
type Message struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	MediaKind string          `json:"media_kind,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode signaling message")
	}
	return data, nil
}

// Decode parses a wire message and validates the fields every message must
// carry. Messages failing validation are dropped by the caller, never fatal.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(errors.ErrSignalingDropped, "malformed signaling message")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the invariant fields of a message.
func (m *Message) Validate() error {
	if m.SessionID == "" {
		return errors.Wrap(errors.ErrSignalingDropped, "signaling message without session_id")
	}
	switch m.Type {
	case TypeRing, TypeAccept, TypeReject, TypeCancel, TypeHangup, TypeNegotiation:
	default:
		return errors.Wrap(errors.ErrSignalingDropped, "unknown signaling message type").
			WithField("type", string(m.Type))
	}
	if m.Type == TypeNegotiation && len(m.Payload) == 0 {
		return errors.Wrap(errors.ErrSignalingDropped, "negotiation message without payload")
	}
	return nil
}
