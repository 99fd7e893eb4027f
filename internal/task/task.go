package task

import (
	"context"
)

// Task type constants
const (
	// TaskTypeRepack represents the task type for repackaging one artifact
	TaskTypeRepack = "repack"
)

// Task represents a unit of background work to be processed
type Task interface {
	// ID returns the task's unique identifier
	ID() string

	// Type returns the task type identifier
	Type() string

	// Payload returns the task data as a byte slice
	Payload() []byte

	// Execute runs the task logic
	Execute(ctx context.Context) error
}

// TaskQueueReader provides read-only access to the task channel
// allowing workers to consume tasks without the ability to enqueue
type TaskQueueReader interface {
	// GetChannel returns a read-only channel for consuming tasks
	GetChannel() <-chan Task
}

// TaskQueueWriter provides write access to the task queue
// allowing services to enqueue tasks for processing
type TaskQueueWriter interface {
	// Enqueue adds a task to the queue for processing
	// Returns an error if the queue is full or closed
	Enqueue(task Task) error

	// Close closes the task queue, preventing further task submission
	Close()
}

// Dispatcher hands a task to whatever executes it: the in-process
// TaskRunner or a Redis-backed queue.
type Dispatcher interface {
	// Submit schedules task for execution. It must not block on execution.
	Submit(ctx context.Context, task Task) error

	// Cancel asks for the task with the given id to stop. It reports whether
	// an executor now owns recording the cancellation; when it returns false
	// the task will never run and the caller closes the record.
	Cancel(id string) bool
}
