package domain

import "errors"

var (
	// ErrNotAuthenticated is returned when no valid identity accompanies a request.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrForbidden is returned when an identity lacks the admin role.
	ErrForbidden = errors.New("forbidden")
	// ErrSessionNotFound is returned when a quiz session does not exist.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrQuestionNotFound indicates a question index outside the session.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrQuestionLocked is returned when a question is requested before it becomes active.
	ErrQuestionLocked = errors.New("question not yet active")
	// ErrInvalidSession indicates a malformed session or question payload.
	ErrInvalidSession = errors.New("invalid session payload")
	// ErrScheduleLocked is returned when editing a session that already went live.
	ErrScheduleLocked = errors.New("session schedule can no longer change")
	// ErrRegistrationClosed is returned when registering after the session started.
	ErrRegistrationClosed = errors.New("registration closed")
	// ErrNotRegistered is returned when an unregistered identity submits an answer.
	ErrNotRegistered = errors.New("not registered for this session")
	// ErrSessionNotLive is returned when answering before the session started.
	ErrSessionNotLive = errors.New("session is not live")
	// ErrOutOfWindow is returned for answers to a question that is not the active one.
	ErrOutOfWindow = errors.New("question is not currently active")
	// ErrDuplicateSubmission is returned for a second answer to the same question.
	ErrDuplicateSubmission = errors.New("answer already submitted for this question")
	// ErrInvalidOption indicates a chosen index outside the question's options.
	ErrInvalidOption = errors.New("option not found")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotAuthenticated, "not_authenticated"},
	{ErrForbidden, "forbidden"},
	{ErrSessionNotFound, "session_not_found"},
	{ErrQuestionNotFound, "question_not_found"},
	{ErrQuestionLocked, "question_locked"},
	{ErrInvalidSession, "invalid_request"},
	{ErrScheduleLocked, "schedule_locked"},
	{ErrRegistrationClosed, "registration_closed"},
	{ErrNotRegistered, "not_registered"},
	{ErrSessionNotLive, "session_not_live"},
	{ErrOutOfWindow, "out_of_window"},
	{ErrDuplicateSubmission, "duplicate_submission"},
	{ErrInvalidOption, "invalid_option"},
}

// ErrorCode maps err to a stable code for clients; unknown errors map to "internal".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// IsRejection reports whether err is an expected, typed rejection rather than a fault.
func IsRejection(err error) bool {
	return ErrorCode(err) != "internal"
}
