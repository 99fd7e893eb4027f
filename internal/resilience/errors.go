package resilience

import "errors"

var (
	// ErrCircuitOpen is returned without invoking the operation while the
	// breaker is open or a half-open trial is already in flight.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrAllSourcesFailed is returned by Chain when both the primary and the
	// fallback source failed.
	ErrAllSourcesFailed = errors.New("all sources failed")
)
