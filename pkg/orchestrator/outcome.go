package orchestrator

import (
	"callbridge/pkg/errors"
	"callbridge/pkg/session"
)

// Outcome is the coarse result of a call, the classification the
// application layer shows the user and writes to its records.
type Outcome string

const (
	// OutcomeInProgress means the session has not reached a terminal state.
	OutcomeInProgress Outcome = "in_progress"

	// OutcomeCompleted is an answered call that later ended by hangup.
	OutcomeCompleted Outcome = "completed"

	// OutcomeDeclined is an explicit reject by the callee.
	OutcomeDeclined Outcome = "declined"

	// OutcomeBusy is a reject because the pair already had a live call.
	OutcomeBusy Outcome = "busy"

	// OutcomeTimedOut means nobody answered within the ring window.
	OutcomeTimedOut Outcome = "timed_out"

	// OutcomeMissed is an incoming ring the local side never answered.
	OutcomeMissed Outcome = "missed"

	// OutcomeCancelled is an outgoing call the caller abandoned before the
	// callee answered.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeError is a failure with a cause attached to the snapshot.
	OutcomeError Outcome = "error"
)

// OutcomeOf maps a session snapshot to its call outcome.
func OutcomeOf(snap session.Snapshot) Outcome {
	if !snap.State.IsTerminal() {
		return OutcomeInProgress
	}

	switch snap.EndReason {
	case session.ReasonRejected:
		if errors.Is(snap.EndCause, errors.ErrAlreadyActive) {
			return OutcomeBusy
		}
		return OutcomeDeclined

	case session.ReasonTimedOut:
		if snap.Direction == session.DirectionIncoming && snap.AnsweredAt.IsZero() {
			return OutcomeMissed
		}
		return OutcomeTimedOut

	case session.ReasonLocalHangup, session.ReasonRemoteHangup, session.ReasonCompleted:
		if snap.AnsweredAt.IsZero() {
			if snap.Direction == session.DirectionIncoming {
				return OutcomeMissed
			}
			return OutcomeCancelled
		}
		return OutcomeCompleted

	case session.ReasonError:
		return OutcomeError

	default:
		return OutcomeError
	}
}
