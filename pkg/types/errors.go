package types

import "errors"

// Domain error kinds surfaced at operation boundaries. They are returned to
// the originating caller only and never broadcast to other session members.
var (
	ErrSessionNotActive   = errors.New("session is not active")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrAlreadyActive      = errors.New("class already has an active session")
	ErrActivationConflict = errors.New("another question is already active")
	ErrDisplayConflict    = errors.New("another question is already displayed")
	ErrEmptyMessage       = errors.New("message text is empty")
	ErrQuestionNotFound   = errors.New("question not found")
	ErrQuestionNotActive  = errors.New("question is not open for answers")
	ErrRateLimited        = errors.New("message rate limit exceeded")

	// ErrPersistence is the only transient kind; callers may retry the
	// identical operation because nothing was broadcast.
	ErrPersistence = errors.New("persistence failure")
)

// Validation errors shared across components.
var (
	ErrInvalidUserID    = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidClassID   = errors.New("class ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole      = errors.New("role must be 'student' or 'instructor'")
	ErrInvalidQuestion  = errors.New("question text must be 1-2000 characters")
	ErrMessageTooLarge  = errors.New("message text exceeds 4KB limit")
	ErrInvalidEventType = errors.New("invalid event type")
)
