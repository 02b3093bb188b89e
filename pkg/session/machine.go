package session

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
	"callbridge/pkg/media"
	"callbridge/pkg/metrics"
	"callbridge/pkg/signaling"
)

// Transition names. Each fsm event moves the session along the call
// lifecycle; terminal states have no outgoing transitions.
const (
	transInitiate     = "initiate"
	transRingOutgoing = "ring_outgoing"
	transRingIncoming = "ring_incoming"
	transConnect      = "connect"
	transActivate     = "activate"
	transReject       = "reject"
	transTimeout      = "timeout"
	transFail         = "fail"
	transEnd          = "end"
	transFinish       = "finish"
)

const (
	timerRing   = "ring"
	timerAnswer = "answer"
)

type eventKind int

const (
	evInitiate eventKind = iota
	evLocalAccept
	evLocalReject
	evLocalHangup
	evRemoteAccept
	evRemoteReject
	evRemoteCancel
	evRemoteHangup
	evRingTimeout
	evAnswerTimeout
	evMediaNegotiated
	evMediaFailure
	evRemoteSignalLost
	evNegotiationPayload
)

// sessionEvent is one unit of work for the session goroutine. Local
// operations carry a reply channel so the facade call can report the result.
type sessionEvent struct {
	kind    eventKind
	payload []byte
	cause   error
	reason  string
	gen     uint64
	reply   chan error
}

// machine wraps the looplab fsm plus the per-session timing configuration.
type machine struct {
	fsm           *fsm.FSM
	ringTimeout   time.Duration
	answerTimeout time.Duration
}

func newMachine(s *CallSession, ringTimeout, answerTimeout time.Duration) *machine {
	m := &machine{
		ringTimeout:   ringTimeout,
		answerTimeout: answerTimeout,
	}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: transInitiate, Src: []string{string(StateIdle)}, Dst: string(StateInitiating)},
			{Name: transRingOutgoing, Src: []string{string(StateInitiating)}, Dst: string(StateRingingOutgoing)},
			{Name: transRingIncoming, Src: []string{string(StateInitiating)}, Dst: string(StateRingingIncoming)},
			{Name: transConnect, Src: []string{string(StateRingingOutgoing), string(StateRingingIncoming)}, Dst: string(StateConnecting)},
			{Name: transActivate, Src: []string{string(StateConnecting)}, Dst: string(StateActive)},
			{Name: transReject, Src: []string{string(StateInitiating), string(StateRingingOutgoing), string(StateRingingIncoming)}, Dst: string(StateRejected)},
			{Name: transTimeout, Src: []string{string(StateRingingOutgoing), string(StateRingingIncoming), string(StateConnecting)}, Dst: string(StateTimedOut)},
			{Name: transFail, Src: []string{string(StateIdle), string(StateInitiating), string(StateRingingOutgoing), string(StateRingingIncoming), string(StateConnecting)}, Dst: string(StateFailed)},
			{Name: transEnd, Src: []string{string(StateRingingOutgoing), string(StateRingingIncoming), string(StateConnecting), string(StateActive)}, Dst: string(StateEnding)},
			{Name: transFinish, Src: []string{string(StateEnding)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.afterTransition(State(e.Src), State(e.Dst))
			},
		},
	)
	return m
}

// apply runs one fsm transition on the session goroutine. A transition that
// does not apply in the current state returns ErrInvalidTransition.
func (s *CallSession) apply(name string) error {
	if err := s.machine.fsm.Event(context.Background(), name); err != nil {
		return errors.Wrap(errors.ErrInvalidTransition, "transition not allowed").
			WithFields(map[string]interface{}{
				"session_id": s.id,
				"transition": name,
				"state":      s.machine.fsm.Current(),
			})
	}
	return nil
}

// afterTransition mirrors the fsm state into the session, invalidates the
// previous state's timers, and notifies subscribers.
func (s *CallSession) afterTransition(src, dst State) {
	s.setState(dst)
	s.timers.bump()

	s.logger.WithFields(logrus.Fields{
		"from": string(src),
		"to":   string(dst),
	}).Debug("Call session transition")

	if s.notify != nil {
		snap := s.Snapshot()
		s.notify(Notification{
			SessionID: s.id,
			LocalID:   s.localID,
			RemoteID:  s.remoteID,
			Direction: s.direction,
			MediaKind: s.mediaKind,
			State:     dst,
			EndReason: snap.EndReason,
			Timestamp: time.Now(),
		})
	}
}

// submit enqueues an event, blocking until the session goroutine picks it up.
// Events with a reply channel block until processed. Once the session is
// terminal, hangup-like events are accepted as no-ops and everything else is
// refused.
func (s *CallSession) submit(ev sessionEvent) error {
	select {
	case <-s.done:
		return s.terminalResult(ev.kind)
	case s.events <- ev:
	}

	if ev.reply == nil {
		return nil
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.done:
		return s.terminalResult(ev.kind)
	}
}

// terminalResult decides how a late event is answered after the terminal
// transition. Duplicate hangups and rejects are idempotent no-ops.
func (s *CallSession) terminalResult(kind eventKind) error {
	switch kind {
	case evLocalHangup, evLocalReject, evRemoteHangup, evRemoteCancel, evRemoteReject:
		return nil
	default:
		return errors.Wrap(errors.ErrSessionTerminated, "call session already terminated").
			WithField("session_id", s.id)
	}
}

// run is the single writer for all session state.
func (s *CallSession) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			err := s.handle(ev)
			if ev.reply != nil {
				ev.reply <- err
			}
			if s.State().IsTerminal() {
				return
			}
		}
	}
}

func (s *CallSession) handle(ev sessionEvent) error {
	switch ev.kind {
	case evInitiate:
		return s.handleInitiate()
	case evLocalAccept:
		return s.handleLocalAccept()
	case evLocalReject:
		return s.handleLocalReject()
	case evLocalHangup:
		return s.handleLocalHangup()
	case evRemoteAccept:
		return s.handleRemoteAccept()
	case evRemoteReject:
		return s.handleRemoteReject(ev.reason)
	case evRemoteCancel, evRemoteHangup:
		return s.handleRemoteHangup()
	case evRingTimeout:
		return s.handleRingTimeout(ev.gen)
	case evAnswerTimeout:
		return s.handleAnswerTimeout(ev.gen)
	case evMediaNegotiated:
		return s.handleMediaNegotiated()
	case evMediaFailure:
		return s.handleMediaFailure(ev.cause)
	case evRemoteSignalLost:
		return s.handleRemoteSignalLost()
	case evNegotiationPayload:
		return s.handleNegotiationPayload(ev.payload)
	default:
		return errors.New("unknown session event")
	}
}

// handleInitiate moves a fresh session into its ringing state. The outgoing
// side announces the call; the incoming side was announced to.
func (s *CallSession) handleInitiate() error {
	if err := s.apply(transInitiate); err != nil {
		return err
	}

	if err := s.adapter.Subscribe(s.id, s.handleSignal); err != nil {
		s.terminate(ReasonError, err, transFail)
		return err
	}

	if s.direction == DirectionOutgoing {
		if err := s.send(&signaling.Message{
			Type:      signaling.TypeRing,
			SessionID: s.id,
			From:      s.localID,
			To:        s.remoteID,
			MediaKind: string(s.mediaKind),
		}); err != nil {
			s.terminate(ReasonError, err, transFail)
			return err
		}
		if err := s.apply(transRingOutgoing); err != nil {
			return err
		}
	} else {
		if err := s.apply(transRingIncoming); err != nil {
			return err
		}
	}

	s.scheduleRingTimer()
	return nil
}

// handleLocalAccept answers an incoming ringing call.
func (s *CallSession) handleLocalAccept() error {
	if s.State() != StateRingingIncoming {
		return errors.Wrap(errors.ErrInvalidTransition, "accept requires an incoming ringing call").
			WithField("state", string(s.State()))
	}
	if err := s.apply(transConnect); err != nil {
		return err
	}

	if err := s.send(&signaling.Message{
		Type:      signaling.TypeAccept,
		SessionID: s.id,
		From:      s.localID,
		To:        s.remoteID,
	}); err != nil {
		s.terminate(ReasonError, err, transFail)
		return err
	}

	return s.beginMedia()
}

// handleRemoteAccept reacts to the callee answering our outgoing call.
func (s *CallSession) handleRemoteAccept() error {
	if s.State() != StateRingingOutgoing {
		s.logger.Debug("Dropping accept outside outgoing ring")
		return nil
	}
	if err := s.apply(transConnect); err != nil {
		return err
	}
	return s.beginMedia()
}

// beginMedia starts negotiation and arms the answer timer. Runs on entering
// Connecting for both directions.
func (s *CallSession) beginMedia() error {
	role := media.RoleCaller
	if s.direction == DirectionIncoming {
		role = media.RoleCallee
	}
	if err := s.engine.BeginNegotiation(context.Background(), s.id, s.mediaKind, role); err != nil {
		s.terminate(ReasonError, err, transFail)
		return err
	}

	s.timers.schedule(timerAnswer, s.machine.answerTimeout, func(gen uint64) {
		_ = s.submit(sessionEvent{kind: evAnswerTimeout, gen: gen})
	})
	return nil
}

// handleLocalReject declines an incoming ringing call.
func (s *CallSession) handleLocalReject() error {
	if s.State() != StateRingingIncoming {
		return errors.Wrap(errors.ErrInvalidTransition, "reject requires an incoming ringing call").
			WithField("state", string(s.State()))
	}

	_ = s.send(&signaling.Message{
		Type:      signaling.TypeReject,
		SessionID: s.id,
		From:      s.localID,
		To:        s.remoteID,
		Reason:    "declined",
	})
	s.terminate(ReasonRejected, errors.ErrRejected, transReject)
	return nil
}

// handleRemoteReject reacts to the remote side declining our outgoing call.
func (s *CallSession) handleRemoteReject(reason string) error {
	if s.State() != StateRingingOutgoing {
		s.logger.Debug("Dropping reject outside outgoing ring")
		return nil
	}

	cause := error(errors.ErrRejected)
	if reason == signaling.ReasonBusy {
		cause = errors.NewAlreadyActive(s.localID, s.remoteID)
	}
	s.terminate(ReasonRejected, cause, transReject)
	return nil
}

// handleLocalHangup ends the call from the local side. In the ringing phase
// it cancels or declines; established calls hang up.
func (s *CallSession) handleLocalHangup() error {
	switch s.State() {
	case StateRingingOutgoing:
		_ = s.send(&signaling.Message{
			Type:      signaling.TypeCancel,
			SessionID: s.id,
			From:      s.localID,
			To:        s.remoteID,
		})
		s.terminate(ReasonLocalHangup, nil, transEnd, transFinish)
	case StateRingingIncoming:
		return s.handleLocalReject()
	case StateConnecting, StateActive:
		_ = s.send(&signaling.Message{
			Type:      signaling.TypeHangup,
			SessionID: s.id,
			From:      s.localID,
			To:        s.remoteID,
		})
		s.terminate(ReasonLocalHangup, nil, transEnd, transFinish)
	default:
		// Terminal already, or not yet ringing.
		if s.State().IsTerminal() {
			return nil
		}
		s.terminate(ReasonLocalHangup, nil, transFail)
	}
	return nil
}

// handleRemoteHangup covers both a cancel during ring and a hangup of an
// established call; either way the session ends as a remote hangup.
func (s *CallSession) handleRemoteHangup() error {
	if s.State().IsTerminal() {
		return nil
	}
	s.terminate(ReasonRemoteHangup, nil, transEnd, transFinish)
	return nil
}

func (s *CallSession) handleRingTimeout(gen uint64) error {
	if gen != s.timers.generation() {
		return nil
	}
	state := s.State()
	if state != StateRingingOutgoing && state != StateRingingIncoming {
		return nil
	}

	if state == StateRingingOutgoing {
		_ = s.send(&signaling.Message{
			Type:      signaling.TypeCancel,
			SessionID: s.id,
			From:      s.localID,
			To:        s.remoteID,
			Reason:    "timeout",
		})
	}
	s.terminate(ReasonTimedOut, errors.ErrTimeout, transTimeout)
	return nil
}

func (s *CallSession) handleAnswerTimeout(gen uint64) error {
	if gen != s.timers.generation() {
		return nil
	}
	if s.State() != StateConnecting {
		return nil
	}
	s.terminate(ReasonTimedOut, errors.ErrTimeout, transTimeout)
	return nil
}

func (s *CallSession) handleMediaNegotiated() error {
	if s.State() != StateConnecting {
		s.logger.Debug("Dropping media negotiated outside Connecting")
		return nil
	}
	if err := s.apply(transActivate); err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	s.answeredAt = now
	created := s.createdAt
	s.mu.Unlock()

	metrics.RecordRingToAnswer(now.Sub(created))
	s.logger.Info("Call active")
	return nil
}

func (s *CallSession) handleMediaFailure(cause error) error {
	state := s.State()
	switch state {
	case StateConnecting, StateActive:
		// The remote peer is still ringing or in-call; tell it the call is
		// gone instead of leaving it to its own timers.
		_ = s.send(&signaling.Message{
			Type:      signaling.TypeHangup,
			SessionID: s.id,
			From:      s.localID,
			To:        s.remoteID,
			Reason:    "error",
		})
		if state == StateActive {
			s.terminate(ReasonError, cause, transEnd, transFinish)
		} else {
			s.terminate(ReasonError, cause, transFail)
		}
	default:
		if !state.IsTerminal() {
			s.terminate(ReasonError, cause, transFail)
		}
	}
	return nil
}

// handleRemoteSignalLost fires when the media transport outlived its
// reconnect grace; the remote peer is treated as hung up.
func (s *CallSession) handleRemoteSignalLost() error {
	if s.State().IsTerminal() {
		return nil
	}
	s.logger.Warn("Remote peer lost, ending call")
	s.terminate(ReasonRemoteHangup, errors.ErrSignalingDropped, transEnd, transFinish)
	return nil
}

func (s *CallSession) handleNegotiationPayload(payload []byte) error {
	state := s.State()
	if state != StateConnecting && state != StateActive {
		s.logger.Debug("Dropping negotiation payload outside media phase")
		return nil
	}
	if err := s.engine.HandleRemoteSignal(s.id, payload); err != nil {
		s.logger.WithError(err).Warn("Failed to apply negotiation payload")
	}
	return nil
}

func (s *CallSession) scheduleRingTimer() {
	s.timers.schedule(timerRing, s.machine.ringTimeout, func(gen uint64) {
		_ = s.submit(sessionEvent{kind: evRingTimeout, gen: gen})
	})
}

// terminate records the end reason once, applies the terminal transitions,
// and releases the session's resources. Runs on the session goroutine only.
func (s *CallSession) terminate(reason EndReason, cause error, transitions ...string) {
	now := time.Now()
	s.mu.Lock()
	if s.endReason == ReasonNone {
		s.endReason = reason
		s.endCause = cause
		s.endedAt = now
	}
	created := s.createdAt
	s.mu.Unlock()

	for _, name := range transitions {
		if err := s.apply(name); err != nil {
			s.logger.WithError(err).Warn("Terminal transition rejected")
		}
	}

	s.timers.cancelAll()
	if err := s.engine.Teardown(s.id); err != nil {
		s.logger.WithError(err).Warn("Media teardown failed")
	}
	s.adapter.Unsubscribe(s.id)

	metrics.RecordSessionEnded(string(reason), string(s.mediaKind), now.Sub(created))
	s.logger.WithFields(logrus.Fields{
		"state":  string(s.State()),
		"reason": string(reason),
	}).Info("Call session ended")

	if s.onTerminal != nil {
		s.onTerminal(s)
	}
	close(s.done)
}

// send validates and transmits a signaling message, stamping the timestamp.
func (s *CallSession) send(msg *signaling.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.adapter.Send(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to send signaling message").
			WithField("session_id", s.id)
	}
	return nil
}

// handleSignal is the adapter subscription callback; it maps inbound
// signaling messages onto session events. Runs off the session goroutine.
func (s *CallSession) handleSignal(msg *signaling.Message) {
	var ev sessionEvent
	switch msg.Type {
	case signaling.TypeAccept:
		ev = sessionEvent{kind: evRemoteAccept}
	case signaling.TypeReject:
		ev = sessionEvent{kind: evRemoteReject, reason: msg.Reason}
	case signaling.TypeCancel:
		ev = sessionEvent{kind: evRemoteCancel}
	case signaling.TypeHangup:
		ev = sessionEvent{kind: evRemoteHangup}
	case signaling.TypeNegotiation:
		ev = sessionEvent{kind: evNegotiationPayload, payload: msg.Payload}
	case signaling.TypeRing:
		// A ring for an existing session is a duplicate; the registry
		// already admitted the call.
		return
	default:
		metrics.RecordSignalingDropped("unknown_type")
		return
	}
	_ = s.submit(ev)
}
