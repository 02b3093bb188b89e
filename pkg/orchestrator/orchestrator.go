// Package orchestrator is the facade the application layer talks to: place,
// answer, decline, and end calls, observe their lifecycle, and admit calls
// announced through the wake queue.
package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
	"callbridge/pkg/media"
	"callbridge/pkg/metrics"
	"callbridge/pkg/pushwake"
	"callbridge/pkg/session"
)

// WakeQueue publishes wake events to remote nodes. The AMQP client satisfies
// it; single-node deployments pass nil.
type WakeQueue interface {
	Publish(ctx context.Context, event pushwake.WakeEvent) error
}

// Options configures the orchestrator.
type Options struct {
	// ParticipantID is the local participant this node acts for.
	ParticipantID string

	// TerminalLinger is how long a terminal session stays queryable before
	// it is dropped from the registry.
	TerminalLinger time.Duration
}

// Orchestrator coordinates the session registry, the wake queue, and the
// pointer store behind one call-centric API.
type Orchestrator struct {
	opts     Options
	registry *session.Registry
	pointers pushwake.PointerStore
	wake     WakeQueue
	logger   *logrus.Logger
}

// New creates the orchestrator. pointers and wake may be nil for single-node
// deployments without push wake.
func New(opts Options, registry *session.Registry, pointers pushwake.PointerStore, wake WakeQueue, logger *logrus.Logger) *Orchestrator {
	if opts.TerminalLinger <= 0 {
		opts.TerminalLinger = time.Minute
	}
	return &Orchestrator{
		opts:     opts,
		registry: registry,
		pointers: pointers,
		wake:     wake,
		logger:   logger,
	}
}

// Run consumes lifecycle notifications and performs the bookkeeping no
// caller is responsible for: wake pointer cleanup and terminal session
// expiry. Blocks until the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	events := o.registry.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if n.State.IsTerminal() {
				o.onTerminal(ctx, n)
			}
		}
	}
}

func (o *Orchestrator) onTerminal(ctx context.Context, n session.Notification) {
	if o.pointers != nil {
		if err := o.pointers.Delete(ctx, n.SessionID); err != nil {
			o.logger.WithError(err).WithField("session_id", n.SessionID).
				Warn("Failed to delete wake pointer")
		}
	}

	// Tell a possibly still-sleeping callee the call is gone.
	if o.wake != nil && n.Direction == session.DirectionOutgoing &&
		(n.EndReason == session.ReasonLocalHangup || n.EndReason == session.ReasonTimedOut) {
		if err := o.wake.Publish(ctx, pushwake.WakeEvent{
			Type:      pushwake.EventCallCancelled,
			SessionID: n.SessionID,
			CallerID:  n.LocalID,
			CalleeID:  n.RemoteID,
			MediaKind: n.MediaKind,
		}); err != nil {
			o.logger.WithError(err).Warn("Failed to publish wake cancel")
		}
	}

	sessionID := n.SessionID
	time.AfterFunc(o.opts.TerminalLinger, func() {
		if err := o.registry.Remove(sessionID); err != nil {
			o.logger.WithError(err).WithField("session_id", sessionID).
				Warn("Failed to expire terminal session")
		}
	})
}

// StartCall places a call to calleeID. The callee is announced over
// signaling and, when wired, woken through the wake queue. Fails with
// ErrAlreadyActive when a call with that participant is already live.
func (o *Orchestrator) StartCall(ctx context.Context, calleeID string, kind media.Kind) (session.Snapshot, error) {
	snap, err := o.registry.CreateOutgoing(ctx, calleeID, kind)
	if err != nil {
		return snap, err
	}

	if o.pointers != nil {
		if err := o.pointers.Put(ctx, pushwake.WakePointer{
			SessionID: snap.ID,
			CallerID:  o.opts.ParticipantID,
			CalleeID:  calleeID,
			MediaKind: kind,
		}); err != nil {
			o.logger.WithError(err).WithField("session_id", snap.ID).
				Warn("Failed to store wake pointer")
		}
	}

	// Wake delivery is best effort; the ring timeout bounds a lost wake.
	if o.wake != nil {
		if err := o.wake.Publish(ctx, pushwake.WakeEvent{
			Type:      pushwake.EventIncomingCall,
			SessionID: snap.ID,
			CallerID:  o.opts.ParticipantID,
			CalleeID:  calleeID,
			MediaKind: kind,
		}); err != nil {
			o.logger.WithError(err).WithField("session_id", snap.ID).
				Warn("Failed to publish wake event")
		}
	}

	o.logger.WithFields(logrus.Fields{
		"session_id": snap.ID,
		"callee_id":  calleeID,
		"media_kind": string(kind),
	}).Info("Call placed")
	return snap, nil
}

// AcceptIncoming answers a ringing incoming call.
func (o *Orchestrator) AcceptIncoming(ctx context.Context, sessionID string) error {
	return o.registry.Accept(sessionID)
}

// RejectIncoming declines a ringing incoming call.
func (o *Orchestrator) RejectIncoming(ctx context.Context, sessionID string) error {
	return o.registry.Reject(sessionID)
}

// Hangup ends a call from the local side; on an already terminal session it
// is a no-op.
func (o *Orchestrator) Hangup(ctx context.Context, sessionID string) error {
	return o.registry.Hangup(sessionID)
}

// Get returns a snapshot of one session.
func (o *Orchestrator) Get(sessionID string) (session.Snapshot, error) {
	s, err := o.registry.Get(sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Sessions returns snapshots of every known session.
func (o *Orchestrator) Sessions() []session.Snapshot {
	return o.registry.Sessions()
}

// Subscribe returns the lifecycle notification stream.
func (o *Orchestrator) Subscribe() <-chan session.Notification {
	return o.registry.Subscribe()
}

// HandleWake reacts to one wake event from the queue. Stale, duplicate, and
// foreign events are dropped; a live incoming-call event admits the session
// so it starts ringing locally.
func (o *Orchestrator) HandleWake(event pushwake.WakeEvent) {
	if event.CalleeID != o.opts.ParticipantID {
		metrics.RecordWakeEvent("foreign")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch event.Type {
	case pushwake.EventIncomingCall:
		o.handleIncomingWake(ctx, event)

	case pushwake.EventCallCancelled:
		if o.pointers != nil {
			_ = o.pointers.Delete(ctx, event.SessionID)
		}
		if err := o.registry.CancelRemote(event.SessionID); err != nil &&
			!errors.Is(err, errors.ErrSessionNotFound) {
			o.logger.WithError(err).WithField("session_id", event.SessionID).
				Debug("Wake cancel had no session to end")
		}
		metrics.RecordWakeEvent("cancelled")

	default:
		metrics.RecordWakeEvent("unknown_type")
	}
}

func (o *Orchestrator) handleIncomingWake(ctx context.Context, event pushwake.WakeEvent) {
	kind := event.MediaKind

	// The pointer is the source of truth; a wake without a live pointer is
	// stale (the caller gave up or the ring window passed).
	if o.pointers != nil {
		pointer, err := o.pointers.Get(ctx, event.SessionID)
		if err != nil {
			if errors.Is(err, errors.ErrSessionNotFound) {
				metrics.RecordWakeEvent("stale")
				o.logger.WithField("session_id", event.SessionID).
					Debug("Dropping stale wake event")
				return
			}
			o.logger.WithError(err).Warn("Wake pointer lookup failed, admitting from event")
		} else {
			kind = pointer.MediaKind
		}
	}

	if _, err := o.registry.AdmitIncoming(ctx, event.SessionID, event.CallerID, kind); err != nil {
		switch {
		case errors.Is(err, errors.ErrAlreadyActive):
			metrics.RecordWakeEvent("busy")
		case errors.Is(err, errors.ErrInvalidInput):
			// Duplicate wake for a session we already admitted.
			metrics.RecordWakeEvent("duplicate")
		default:
			metrics.RecordWakeEvent("failed")
			o.logger.WithError(err).WithField("session_id", event.SessionID).
				Warn("Failed to admit incoming call")
		}
		return
	}

	metrics.RecordWakeEvent("admitted")
	o.logger.WithFields(logrus.Fields{
		"session_id": event.SessionID,
		"caller_id":  event.CallerID,
	}).Info("Incoming call admitted")
}
