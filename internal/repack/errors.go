package repack

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest is returned for requests that cannot be executed.
	ErrInvalidRequest = errors.New("invalid repack request")

	// ErrUnsupportedScheme is returned for download URLs that are not http(s).
	ErrUnsupportedScheme = errors.New("unsupported url scheme")

	// ErrInputNotFound is returned when a local input file does not exist.
	ErrInputNotFound = errors.New("input file not found")

	// ErrInvalidPackage is returned when the input is not a zip-based plugin
	// package.
	ErrInvalidPackage = errors.New("input is not a plugin package")

	// ErrDownloadTimeout is returned when a single download attempt exceeds
	// its time budget.
	ErrDownloadTimeout = errors.New("download attempt timed out")

	// ErrStalled is returned when the script produced no output line within
	// the line timeout.
	ErrStalled = errors.New("repackaging script stalled")

	// ErrScriptUnavailable is returned when the script cannot be started.
	ErrScriptUnavailable = errors.New("repackaging script unavailable")

	// ErrArtifactMissing is returned when the script succeeded but the
	// expected artifact is not in the work directory.
	ErrArtifactMissing = errors.New("repackaged artifact not found")
)

// HTTPStatusError reports a non-2xx download response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download %s returned status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ExitError describes a failed script run, with the last lines it printed.
type ExitError struct {
	// Code is the exit status, or -1 when the process was killed.
	Code int

	// Stalled is set when the process was killed by the line timeout.
	Stalled bool

	// Tail holds the last output lines.
	Tail []string
}

func (e *ExitError) Error() string {
	var b strings.Builder
	if e.Stalled {
		b.WriteString(ErrStalled.Error())
	} else {
		fmt.Fprintf(&b, "repackaging script exited with status %d", e.Code)
	}
	if len(e.Tail) > 0 {
		b.WriteString("; last output: ")
		b.WriteString(strings.Join(e.Tail, " | "))
	}
	return b.String()
}

// Unwrap exposes ErrStalled for stalled runs.
func (e *ExitError) Unwrap() error {
	if e.Stalled {
		return ErrStalled
	}
	return nil
}
