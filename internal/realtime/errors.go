package realtime

import "errors"

var (
	// ErrInvalidChannel is returned when a session joins an empty channel.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrManagerStopped is returned by Join after Stop.
	ErrManagerStopped = errors.New("connection manager stopped")

	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("session closed")
)
