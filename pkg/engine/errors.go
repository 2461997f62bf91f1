package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a lifecycle error for propagation and retry decisions.
type ErrorClass string

const (
	// ErrorClassNotFound indicates an unknown project, environment,
	// configuration, or version id.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates an illegal concurrent mutation: an
	// in-flight job already exists, a compare-and-swap lost a race, or a
	// referential constraint would be violated. Safe to retry after
	// re-reading current state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassInvalidTransition indicates the requested action is not
	// legal in the configuration's current state. State is left unchanged.
	ErrorClassInvalidTransition ErrorClass = "invalid_state_transition"

	// ErrorClassValidation indicates a malformed definition or request:
	// missing required name or locator id, invalid authorization block.
	ErrorClassValidation ErrorClass = "validation_failed"

	// ErrorClassUpstream indicates the provisioning engine was unreachable
	// or returned an error. Recorded into job summaries, never returned
	// synchronously from Submit.
	ErrorClassUpstream ErrorClass = "upstream_failure"

	// ErrorClassInternal indicates a storage or programming error.
	ErrorClassInternal ErrorClass = "internal"
)

// Error is a classified lifecycle error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity id that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewInvalidTransitionError creates a new illegal-transition error.
func NewInvalidTransitionError(state ConfigState, event LifecycleEventType) *Error {
	return &Error{
		Class:   ErrorClassInvalidTransition,
		Message: fmt.Sprintf("event %s is not legal in state %s", event, state),
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewUpstreamError creates a new provisioning-engine error.
func NewUpstreamError(message string, err error) *Error {
	return &Error{Class: ErrorClassUpstream, Message: message, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err}
}

func isClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return isClass(err, ErrorClassNotFound) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return isClass(err, ErrorClassConflict) }

// IsInvalidTransition returns true if the error is an illegal state transition.
func IsInvalidTransition(err error) bool { return isClass(err, ErrorClassInvalidTransition) }

// IsValidation returns true if the error is a validation failure.
func IsValidation(err error) bool { return isClass(err, ErrorClassValidation) }

// IsUpstream returns true if the error originated in the provisioning engine.
func IsUpstream(err error) bool { return isClass(err, ErrorClassUpstream) }

// Common error codes.
const (
	ErrCodeJobInFlight       = "JOB_IN_FLIGHT"
	ErrCodeVersionDeployed   = "VERSION_DEPLOYED"
	ErrCodeEnvReferenced     = "ENVIRONMENT_REFERENCED"
	ErrCodeProjectNotEmpty   = "PROJECT_NOT_EMPTY"
	ErrCodeStateChanged      = "STATE_CHANGED"
	ErrCodeCommentRequired   = "COMMENT_REQUIRED"
	ErrCodeAuthAmbiguous     = "AUTH_AMBIGUOUS"
	ErrCodeComplianceBlocked = "COMPLIANCE_BLOCKED"
)
