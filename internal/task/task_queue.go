package task

import (
	"fmt"
	"log/slog"
	"sync"
)

// TaskQueue is the bounded in-process buffer between Submit and the runner's
// workers. A full buffer rejects new work instead of blocking the caller.
type TaskQueue struct {
	mu     sync.RWMutex
	buf    chan Task
	logger *slog.Logger
	closed bool
}

// NewTaskQueue returns a queue that buffers up to capacity tasks.
func NewTaskQueue(capacity int, logger *slog.Logger) *TaskQueue {
	return &TaskQueue{
		buf:    make(chan Task, capacity),
		logger: logger.With("component", "task_queue"),
	}
}

// Enqueue buffers t without blocking. It returns ErrQueueFull when every slot
// is taken and ErrQueueClosed after Close.
func (q *TaskQueue) Enqueue(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.buf <- t:
		q.logger.Debug("task buffered",
			"task_id", t.ID(),
			"task_type", t.Type(),
			"depth", len(q.buf))
		return nil
	default:
		q.logger.Warn("task rejected, buffer full", "task_id", t.ID(), "capacity", cap(q.buf))
		return fmt.Errorf("%w: capacity %d reached", ErrQueueFull, cap(q.buf))
	}
}

// Close stops admission. Buffered tasks remain readable until drained.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.buf)
	q.logger.Info("task queue closed", "pending", len(q.buf))
}

// GetChannel exposes the buffer to consumers.
func (q *TaskQueue) GetChannel() <-chan Task {
	return q.buf
}

// Len returns the number of buffered tasks.
func (q *TaskQueue) Len() int {
	return len(q.buf)
}
