package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge/pkg/media"
	"callbridge/pkg/signaling"
)

// State is the lifecycle state of a call session.
type State string

const (
	StateIdle            State = "Idle"
	StateInitiating      State = "Initiating"
	StateRingingOutgoing State = "RingingOutgoing"
	StateRingingIncoming State = "RingingIncoming"
	StateConnecting      State = "Connecting"
	StateActive          State = "Active"
	StateEnding          State = "Ending"

	// Terminal states. A session in any of these never transitions again.
	StateEnded    State = "Ended"
	StateRejected State = "Rejected"
	StateTimedOut State = "TimedOut"
	StateFailed   State = "Failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateRejected, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// Direction distinguishes who placed the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// EndReason records why a session reached a terminal state.
type EndReason string

const (
	ReasonNone         EndReason = ""
	ReasonCompleted    EndReason = "completed"
	ReasonRejected     EndReason = "rejected"
	ReasonTimedOut     EndReason = "timed_out"
	ReasonRemoteHangup EndReason = "remote_hangup"
	ReasonLocalHangup  EndReason = "local_hangup"
	ReasonError        EndReason = "error"
)

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	ID         string
	LocalID    string
	RemoteID   string
	Direction  Direction
	MediaKind  media.Kind
	State      State
	EndReason  EndReason
	EndCause   error
	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
}

// CallSession is one call between the local participant and a remote
// participant. All state lives behind a single event-processing goroutine;
// public methods enqueue work and never touch state directly.
type CallSession struct {
	id        string
	localID   string
	remoteID  string
	direction Direction
	mediaKind media.Kind

	machine *machine
	timers  *timerSet

	adapter signaling.Adapter
	engine  media.Engine
	logger  *logrus.Entry

	events chan sessionEvent
	done   chan struct{}

	// onTerminal runs once, after the terminal transition, on the session
	// goroutine. The registry uses it to release the pair slot.
	onTerminal func(*CallSession)
	notify     func(Notification)

	mu         sync.Mutex
	state      State
	endReason  EndReason
	endCause   error
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
}

// Snapshot returns a copy of the session's observable state.
func (s *CallSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.id,
		LocalID:    s.localID,
		RemoteID:   s.remoteID,
		Direction:  s.direction,
		MediaKind:  s.mediaKind,
		State:      s.state,
		EndReason:  s.endReason,
		EndCause:   s.endCause,
		CreatedAt:  s.createdAt,
		AnsweredAt: s.answeredAt,
		EndedAt:    s.endedAt,
	}
}

// ID returns the session identifier.
func (s *CallSession) ID() string { return s.id }

// State returns the current state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Notification is emitted to subscribers on every observable state change.
type Notification struct {
	SessionID string
	LocalID   string
	RemoteID  string
	Direction Direction
	MediaKind media.Kind
	State     State
	EndReason EndReason
	Timestamp time.Time
}
