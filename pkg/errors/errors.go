package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel errors used throughout the orchestrator. Callers classify with
// errors.Is; only terminal call outcomes and ErrAlreadyActive cross the
// facade boundary.
var (
	// ErrAlreadyActive is returned when a second call is attempted for a
	// participant pair that already has a non-terminal session. The second
	// attempt is rejected as busy; the existing session is untouched.
	ErrAlreadyActive = errors.New("call already active for participant pair")

	// ErrTimeout indicates no response arrived within the ring or answer window.
	ErrTimeout = errors.New("call timed out")

	// ErrRejected indicates an explicit decline by either participant.
	ErrRejected = errors.New("call rejected")

	// ErrMediaFailure indicates the media engine failed during negotiation
	// or mid-call.
	ErrMediaFailure = errors.New("media engine failure")

	// ErrSignalingDropped marks a malformed or unroutable signaling message.
	// It is absorbed internally and never surfaced to callers.
	ErrSignalingDropped = errors.New("signaling message dropped")

	ErrSessionNotFound   = errors.New("call session not found")
	ErrSessionTerminated = errors.New("call session already terminated")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnavailable       = errors.New("service unavailable")
	ErrInternal          = errors.New("internal error")
)

// Error is a structured error carrying a wrapped cause, contextual fields,
// an optional code, and the file:line of its creation.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional error code for categorization.
	Code string
}

// New creates a structured error with the given message.
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)

	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   firstFields(fields),
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context. Returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	return &Error{
		original: err,
		message:  message,
		fields:   firstFields(fields),
		file:     file,
		line:     line,
	}
}

func firstFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// WithField returns a copy of the error with one additional context field.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	return e.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a copy of the error with additional context fields.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+len(fields)),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error with the given code attached.
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := *e
	result.Code = code
	return &result
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is reports whether any error in e's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// Location returns the file:line where the error was created.
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields.
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// NewAlreadyActive builds an ErrAlreadyActive error for a participant pair.
func NewAlreadyActive(localID, remoteID string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrAlreadyActive,
		message:  fmt.Sprintf("busy: active call exists between %s and %s", localID, remoteID),
		fields: map[string]interface{}{
			"local_id":  localID,
			"remote_id": remoteID,
		},
		file: file,
		line: line,
		Code: "ALREADY_ACTIVE",
	}
}

// NewSessionNotFound builds an ErrSessionNotFound error for a session ID.
func NewSessionNotFound(sessionID string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrSessionNotFound,
		message:  fmt.Sprintf("call session not found: %s", sessionID),
		fields:   map[string]interface{}{"session_id": sessionID},
		file:     file,
		line:     line,
		Code:     "SESSION_NOT_FOUND",
	}
}

// NewMediaFailure wraps a media engine error for a session.
func NewMediaFailure(sessionID string, cause error) *Error {
	_, file, line, _ := runtime.Caller(1)
	msg := "media engine failure"
	original := ErrMediaFailure
	if cause != nil {
		msg = fmt.Sprintf("media engine failure: %v", cause)
		original = fmt.Errorf("%w: %v", ErrMediaFailure, cause)
	}
	return &Error{
		original: original,
		message:  msg,
		fields:   map[string]interface{}{"session_id": sessionID},
		file:     file,
		line:     line,
		Code:     "MEDIA_FAILURE",
	}
}

// NewInvalidInput builds an ErrInvalidInput error with detail.
func NewInvalidInput(detail string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrInvalidInput,
		message:  fmt.Sprintf("invalid input: %s", detail),
		fields:   make(map[string]interface{}),
		file:     file,
		line:     line,
		Code:     "INVALID_INPUT",
	}
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode extracts the code from a structured error, or "" otherwise.
func GetCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return ""
}

// GetFields extracts context fields from a structured error, or nil otherwise.
func GetFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
