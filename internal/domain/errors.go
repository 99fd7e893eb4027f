package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyTaskID is returned when a task record has no identifier.
	ErrEmptyTaskID = errors.New("task ID cannot be empty")

	// ErrInvalidTaskStatus is returned for a status outside the state machine.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrInvalidProgress is returned when progress is out of range or
	// inconsistent with the status.
	ErrInvalidProgress = errors.New("invalid task progress")

	// ErrErrorStatusMismatch is returned when an error message accompanies a
	// non-failed status, or a failed status comes without one.
	ErrErrorStatusMismatch = errors.New("error must be set if and only if the task failed")

	// ErrInvalidTransition is returned when the state machine forbids the
	// requested status change.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrTerminalState is returned when an update targets a task that has
	// already completed or failed.
	ErrTerminalState = errors.New("task already reached a terminal state")
)

// IsValidationError reports whether err is one of the update validation
// errors, as opposed to a state machine rejection.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrEmptyTaskID) ||
		errors.Is(err, ErrInvalidTaskStatus) ||
		errors.Is(err, ErrInvalidProgress) ||
		errors.Is(err, ErrErrorStatusMismatch)
}
