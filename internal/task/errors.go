package task

import (
	"context"
	"errors"
)

// Common errors returned by the task package.
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")

	// ErrTaskCancelled is the cancellation cause used by TaskRunner.Cancel and
	// runner shutdown.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrTaskTimedOut is the cancellation cause used when a task exceeds its
	// hard timeout.
	ErrTaskTimedOut = errors.New("task timed out")
)

// CancellationError translates a done context into ErrTaskTimedOut or
// ErrTaskCancelled. It returns nil while ctx is still live.
func CancellationError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTaskTimedOut), errors.Is(cause, context.DeadlineExceeded):
		return ErrTaskTimedOut
	default:
		return ErrTaskCancelled
	}
}
