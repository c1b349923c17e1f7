package domain

import "time"

// TransitionOutcome is the tri-state result of a conditional status update.
type TransitionOutcome string

const (
	// TransitionPerformed means this caller moved the status.
	TransitionPerformed TransitionOutcome = "performed"
	// TransitionAlready means the status was already at or past the target.
	// It is an expected race outcome, not a failure.
	TransitionAlready TransitionOutcome = "already"
	// TransitionConflict means the guard did not hold for another reason,
	// e.g. the start time has not arrived or the session is not live yet.
	TransitionConflict TransitionOutcome = "conflict"
)

// TransitionRequest is a compare-and-set on a session's status.
type TransitionRequest struct {
	SessionID int64
	From      Status
	To        Status
	Now       time.Time
	// NotBefore, when set, additionally requires scheduled_at <= NotBefore.
	NotBefore *time.Time
	// StampStart rewrites scheduled_at to Now as part of the same update (forced start).
	StampStart bool
}

// TransitionResult reports what the conditional update did and the session afterwards.
type TransitionResult struct {
	Outcome TransitionOutcome `json:"outcome"`
	Session Session           `json:"session"`
}

// Performed reports whether this caller executed the transition.
func (r TransitionResult) Performed() bool { return r.Outcome == TransitionPerformed }

// Settled reports whether callers should proceed as if the transition happened.
func (r TransitionResult) Settled() bool {
	return r.Outcome == TransitionPerformed || r.Outcome == TransitionAlready
}

// Classify derives the outcome of a zero-row conditional update from the current status.
func Classify(current, target Status) TransitionOutcome {
	if current.Rank() >= target.Rank() {
		return TransitionAlready
	}
	return TransitionConflict
}
