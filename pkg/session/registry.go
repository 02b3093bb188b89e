package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
	"callbridge/pkg/media"
	"callbridge/pkg/metrics"
	"callbridge/pkg/signaling"
)

// RegistryConfig carries the per-node identity and the call timing windows.
type RegistryConfig struct {
	// ParticipantID is the local participant this node acts for.
	ParticipantID string

	RingTimeout   time.Duration
	AnswerTimeout time.Duration
}

func (c *RegistryConfig) withDefaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 45 * time.Second
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 45 * time.Second
	}
}

// Registry owns all live call sessions of one node and enforces the
// at-most-one-session-per-participant-pair invariant. The busy check and the
// session insertion happen under one lock, so two racing attempts for the
// same pair cannot both win.
type Registry struct {
	config  RegistryConfig
	adapter signaling.Adapter
	logger  *logrus.Logger

	mu     sync.Mutex
	engine media.Engine
	byID   map[string]*CallSession
	byPair map[string]*CallSession
	closed bool

	subsMu sync.Mutex
	subs   []chan Notification
}

// NewRegistry creates a session registry. The media engine is attached
// separately with SetEngine because engine construction needs the registry's
// media callbacks.
func NewRegistry(config RegistryConfig, adapter signaling.Adapter, logger *logrus.Logger) *Registry {
	config.withDefaults()
	return &Registry{
		config:  config,
		adapter: adapter,
		logger:  logger,
		byID:    make(map[string]*CallSession),
		byPair:  make(map[string]*CallSession),
	}
}

// SetEngine attaches the media engine. Must be called before any session is
// created.
func (r *Registry) SetEngine(engine media.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = engine
}

// MediaCallbacks returns the callback set the media engine must be built
// with; each callback routes the engine event into the owning session's
// event queue.
func (r *Registry) MediaCallbacks() media.Callbacks {
	return media.Callbacks{
		OnNegotiated: func(sessionID string) {
			r.dispatchEvent(sessionID, sessionEvent{kind: evMediaNegotiated})
		},
		OnRemoteStream: func(sessionID string) {
			// Informational only; Active is driven by negotiation completion.
			r.logger.WithField("session_id", sessionID).Debug("Remote media stream arrived")
		},
		OnFailure: func(sessionID string, err error) {
			r.dispatchEvent(sessionID, sessionEvent{kind: evMediaFailure, cause: err})
		},
		OnRemoteHangupDetected: func(sessionID string) {
			r.dispatchEvent(sessionID, sessionEvent{kind: evRemoteSignalLost})
		},
	}
}

// CreateOutgoing places a call to remoteID. It fails with ErrAlreadyActive
// when a non-terminal session for the pair exists.
func (r *Registry) CreateOutgoing(ctx context.Context, remoteID string, kind media.Kind) (Snapshot, error) {
	if remoteID == "" {
		return Snapshot{}, errors.NewInvalidInput("remote participant ID is required")
	}
	if remoteID == r.config.ParticipantID {
		return Snapshot{}, errors.NewInvalidInput("cannot call yourself")
	}
	if kind != media.KindAudio && kind != media.KindVideo {
		return Snapshot{}, errors.NewInvalidInput("media kind must be audio or video")
	}

	s, err := r.insert(uuid.New().String(), remoteID, DirectionOutgoing, kind)
	if err != nil {
		return Snapshot{}, err
	}

	metrics.RecordSessionCreated(string(DirectionOutgoing))
	if err := s.submit(sessionEvent{kind: evInitiate, reply: make(chan error, 1)}); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// AdmitIncoming admits a ring announced by a remote caller. When the pair is
// busy the attempt is auto-rejected on the announced session channel and
// ErrAlreadyActive is returned; the existing session is untouched.
func (r *Registry) AdmitIncoming(ctx context.Context, sessionID, callerID string, kind media.Kind) (Snapshot, error) {
	if sessionID == "" || callerID == "" {
		return Snapshot{}, errors.NewInvalidInput("session ID and caller ID are required")
	}
	if kind != media.KindAudio && kind != media.KindVideo {
		kind = media.KindAudio
	}

	s, err := r.insert(sessionID, callerID, DirectionIncoming, kind)
	if err != nil {
		if errors.GetCode(err) == "ALREADY_ACTIVE" {
			r.rejectBusy(ctx, sessionID, callerID)
		}
		return Snapshot{}, err
	}

	metrics.RecordSessionCreated(string(DirectionIncoming))
	if err := s.submit(sessionEvent{kind: evInitiate, reply: make(chan error, 1)}); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// insert builds the session and claims the pair slot atomically.
func (r *Registry) insert(id, remoteID string, direction Direction, kind media.Kind) (*CallSession, error) {
	pair := pairKey(r.config.ParticipantID, remoteID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.ErrUnavailable
	}
	if r.engine == nil {
		r.mu.Unlock()
		return nil, errors.New("registry has no media engine attached")
	}
	if existing, ok := r.byPair[pair]; ok {
		r.mu.Unlock()
		return nil, errors.NewAlreadyActive(r.config.ParticipantID, remoteID).
			WithField("existing_session_id", existing.id)
	}
	if _, ok := r.byID[id]; ok {
		r.mu.Unlock()
		return nil, errors.NewInvalidInput("duplicate session ID").
			WithField("session_id", id)
	}

	s := &CallSession{
		id:        id,
		localID:   r.config.ParticipantID,
		remoteID:  remoteID,
		direction: direction,
		mediaKind: kind,
		timers:    newTimerSet(),
		adapter:   r.adapter,
		engine:    r.engine,
		logger: r.logger.WithFields(logrus.Fields{
			"session_id": id,
			"remote_id":  remoteID,
			"direction":  string(direction),
		}),
		events:     make(chan sessionEvent, 64),
		done:       make(chan struct{}),
		onTerminal: r.release,
		notify:     r.publish,
		state:      StateIdle,
		createdAt:  time.Now(),
	}
	s.machine = newMachine(s, r.config.RingTimeout, r.config.AnswerTimeout)

	r.byID[id] = s
	r.byPair[pair] = s
	r.mu.Unlock()

	go s.run()
	return s, nil
}

// release frees the pair slot when a session goes terminal. The session stays
// in byID until Remove so late lookups can still read its snapshot.
func (r *Registry) release(s *CallSession) {
	pair := pairKey(s.localID, s.remoteID)

	r.mu.Lock()
	if r.byPair[pair] == s {
		delete(r.byPair, pair)
	}
	r.mu.Unlock()
}

// rejectBusy answers a ring we cannot admit with a busy reject on the
// announced session channel, leaving the active call untouched.
func (r *Registry) rejectBusy(ctx context.Context, sessionID, callerID string) {
	metrics.RecordBusyReject()
	r.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"caller_id":  callerID,
	}).Info("Rejecting incoming call, pair is busy")

	if err := r.adapter.Subscribe(sessionID, func(*signaling.Message) {}); err != nil {
		r.logger.WithError(err).Warn("Failed to open channel for busy reject")
		return
	}
	defer r.adapter.Unsubscribe(sessionID)

	if err := r.adapter.Send(ctx, &signaling.Message{
		Type:      signaling.TypeReject,
		SessionID: sessionID,
		From:      r.config.ParticipantID,
		To:        callerID,
		Reason:    signaling.ReasonBusy,
	}); err != nil {
		r.logger.WithError(err).Warn("Failed to send busy reject")
	}
}

// Get returns the session by ID.
func (r *Registry) Get(sessionID string) (*CallSession, error) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	return s, nil
}

// ActiveForPair returns the non-terminal session for a remote participant,
// if any.
func (r *Registry) ActiveForPair(remoteID string) (*CallSession, bool) {
	pair := pairKey(r.config.ParticipantID, remoteID)
	r.mu.Lock()
	s, ok := r.byPair[pair]
	r.mu.Unlock()
	return s, ok
}

// Remove drops a terminal session from the registry. Idempotent; removing a
// live session is refused.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok && !s.State().IsTerminal() {
		r.mu.Unlock()
		return errors.New("cannot remove a live call session").
			WithField("session_id", sessionID)
	}
	delete(r.byID, sessionID)
	r.mu.Unlock()
	return nil
}

// Accept answers an incoming ringing call.
func (r *Registry) Accept(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return s.submit(sessionEvent{kind: evLocalAccept, reply: make(chan error, 1)})
}

// Reject declines an incoming ringing call.
func (r *Registry) Reject(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return s.submit(sessionEvent{kind: evLocalReject, reply: make(chan error, 1)})
}

// CancelRemote ends a session as if the remote side cancelled it. Used when
// a cancel arrives out of band, e.g. over the wake queue before the
// signaling channel is up.
func (r *Registry) CancelRemote(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return s.submit(sessionEvent{kind: evRemoteCancel, reply: make(chan error, 1)})
}

// Hangup ends a call from the local side. A hangup on an already terminal
// session is a no-op.
func (r *Registry) Hangup(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return s.submit(sessionEvent{kind: evLocalHangup, reply: make(chan error, 1)})
}

// Sessions returns snapshots of every registered session.
func (r *Registry) Sessions() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.byID))
	sessions := make([]*CallSession, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Close hangs up every live session and refuses further creation.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*CallSession, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.submit(sessionEvent{kind: evLocalHangup, reply: make(chan error, 1)})
	}

	r.subsMu.Lock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.subsMu.Unlock()
	return nil
}

// dispatchEvent routes an engine or transport event into a session's queue,
// dropping it when the session is unknown.
func (r *Registry) dispatchEvent(sessionID string, ev sessionEvent) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	r.mu.Unlock()
	if !ok {
		r.logger.WithField("session_id", sessionID).Debug("Dropping event for unknown session")
		return
	}
	_ = s.submit(ev)
}

// pairKey normalizes a participant pair so both orderings map to one slot.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
