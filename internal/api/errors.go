package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/repackd/internal/api/shared"
	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/marketplace"
	"github.com/phrazzld/repackd/internal/repack"
	"github.com/phrazzld/repackd/internal/resilience"
	"github.com/phrazzld/repackd/internal/store"
	"github.com/phrazzld/repackd/internal/task"
)

var (
	// ErrTaskFinished is returned when cancelling a task that already
	// completed or failed.
	ErrTaskFinished = errors.New("task already finished")

	// ErrArtifactNotReady is returned when downloading the artifact of a task
	// that has not completed.
	ErrArtifactNotReady = errors.New("artifact not ready")

	// ErrTaskActive is returned when deleting a task that is still running.
	ErrTaskActive = errors.New("task still running")

	// ErrLocalInputDisabled is returned for local_path inputs when no local
	// input directory is configured, or the path escapes it.
	ErrLocalInputDisabled = errors.New("local input not allowed")
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	var validationErrs validator.ValidationErrors

	switch {
	// Not found errors. A not-found answer from a fallback source still wraps
	// ErrAllSourcesFailed, so these come first.
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, marketplace.ErrPluginNotFound),
		errors.Is(err, marketplace.ErrVersionNotFound):
		return http.StatusNotFound

	// Bad request errors
	case errors.As(err, &validationErrs),
		errors.Is(err, shared.ErrEmptyBody),
		errors.Is(err, repack.ErrInvalidRequest),
		errors.Is(err, marketplace.ErrInvalidReference),
		errors.Is(err, ErrLocalInputDisabled),
		domain.IsValidationError(err):
		return http.StatusBadRequest

	// Conflict errors
	case errors.Is(err, ErrTaskFinished),
		errors.Is(err, ErrTaskActive),
		errors.Is(err, ErrArtifactNotReady),
		errors.Is(err, domain.ErrTerminalState),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict

	// Overload and dependency errors
	case errors.Is(err, task.ErrQueueFull),
		errors.Is(err, task.ErrQueueClosed),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrAllSourcesFailed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, marketplace.ErrVersionNotFound):
		return "Plugin version not found"
	case errors.Is(err, marketplace.ErrPluginNotFound):
		return "Plugin not found"
	case errors.Is(err, ErrTaskFinished):
		return "Task already finished"
	case errors.Is(err, ErrTaskActive):
		return "Task still running, cancel it first"
	case errors.Is(err, ErrArtifactNotReady):
		return "Artifact not ready"
	case errors.Is(err, ErrLocalInputDisabled):
		return "Local input not allowed"
	case errors.Is(err, repack.ErrInvalidRequest),
		errors.Is(err, marketplace.ErrInvalidReference),
		errors.Is(err, shared.ErrEmptyBody):
		return SanitizeValidationError(err)
	case errors.Is(err, task.ErrQueueFull):
		return "Server busy, try again later"
	case errors.Is(err, task.ErrQueueClosed):
		return "Server shutting down"
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrAllSourcesFailed):
		return "Marketplace unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fe := validationErrs[0]
		return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
	}

	// Request and reference errors only quote values the client sent.
	if errors.Is(err, repack.ErrInvalidRequest) ||
		errors.Is(err, marketplace.ErrInvalidReference) ||
		errors.Is(err, shared.ErrEmptyBody) {
		return err.Error()
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url", "http_url":
		return "invalid URL"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
