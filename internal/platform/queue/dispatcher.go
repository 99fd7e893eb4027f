package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/phrazzld/repackd/internal/task"
)

// DefaultQueue is the asynq queue repack tasks are placed on.
const DefaultQueue = "repack"

// ErrDuplicateTask is returned when a task with the same id is already queued.
var ErrDuplicateTask = errors.New("task already enqueued")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Queue string

	// Timeout bounds one task execution on the worker side.
	Timeout time.Duration

	// Retention keeps finished tasks visible to the inspector.
	Retention time.Duration
}

// Dispatcher implements task.Dispatcher on top of an asynq client.
type Dispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       DispatcherConfig
	logger    *slog.Logger
}

var _ task.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher connects a Dispatcher to redisOpt.
func NewDispatcher(redisOpt asynq.RedisConnOpt, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	return &Dispatcher{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		cfg:       cfg,
		logger:    logger.With("component", "queue_dispatcher"),
	}
}

// Submit enqueues t under its own id.
func (d *Dispatcher) Submit(ctx context.Context, t task.Task) error {
	opts := []asynq.Option{
		asynq.TaskID(t.ID()),
		asynq.Queue(d.cfg.Queue),
		asynq.MaxRetry(0),
	}
	if d.cfg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(d.cfg.Timeout))
	}
	if d.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(d.cfg.Retention))
	}

	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(t.Type(), t.Payload()), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID())
		}
		return fmt.Errorf("failed to enqueue task %s: %w", t.ID(), err)
	}

	d.logger.Debug("task enqueued",
		"task_id", info.ID,
		"task_type", info.Type,
		"queue", info.Queue)
	return nil
}

// Cancel signals a running task to stop, or deletes one that has not
// started. Only the running case returns true: the worker process records
// that cancellation itself, while a deleted task never runs.
func (d *Dispatcher) Cancel(id string) bool {
	info, err := d.inspector.GetTaskInfo(d.cfg.Queue, id)
	if err != nil {
		if !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			d.logger.Warn("failed to inspect task", "task_id", id, "error", err)
		}
		return false
	}

	switch info.State {
	case asynq.TaskStateActive:
		if err := d.inspector.CancelProcessing(id); err != nil {
			d.logger.Warn("failed to cancel running task", "task_id", id, "error", err)
			return false
		}
		d.logger.Info("cancelling running task", "task_id", id)
		return true
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		if err := d.inspector.DeleteTask(d.cfg.Queue, id); err != nil {
			d.logger.Warn("failed to delete queued task", "task_id", id, "error", err)
		} else {
			d.logger.Info("deleted queued task", "task_id", id, "state", info.State.String())
		}
	}
	return false
}

// Close releases the Redis connections.
func (d *Dispatcher) Close() error {
	return errors.Join(d.client.Close(), d.inspector.Close())
}
