package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/phrazzld/repackd/internal/redact"
)

// TaskRunnerConfig sizes the in-process dispatcher.
type TaskRunnerConfig struct {
	// WorkerCount is the number of tasks executed concurrently.
	WorkerCount int

	// QueueSize is how many submitted tasks may wait for a free worker.
	QueueSize int

	// TaskTimeout bounds a single task execution. Zero disables the limit.
	TaskTimeout time.Duration
}

// DefaultTaskRunnerConfig mirrors the repack.* configuration defaults.
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		WorkerCount: 2,
		QueueSize:   100,
		TaskTimeout: 30 * time.Minute,
	}
}

// TaskRunner is the in-process Dispatcher used when no Redis broker is
// configured. It tracks queued and running tasks so they can be cancelled.
type TaskRunner struct {
	queue      *TaskQueue
	ctx        context.Context
	cancelFunc context.CancelCauseFunc
	wg         sync.WaitGroup
	config     TaskRunnerConfig
	logger     *slog.Logger
	errHandler func(task Task, err error)

	mu        sync.Mutex
	queued    map[string]struct{}
	cancelled map[string]struct{}
	running   map[string]context.CancelCauseFunc
}

var _ Dispatcher = (*TaskRunner)(nil)

func NewTaskRunner(config TaskRunnerConfig, logger *slog.Logger) *TaskRunner {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	logger = logger.With("component", "task_runner")

	return &TaskRunner{
		queue:      NewTaskQueue(config.QueueSize, logger),
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		logger:     logger,
		queued:     make(map[string]struct{}),
		cancelled:  make(map[string]struct{}),
		running:    make(map[string]context.CancelCauseFunc),
		errHandler: func(task Task, err error) {
			logger.Error("unhandled task failure",
				"task_id", task.ID(),
				"task_type", task.Type(),
				"error", redact.Error(err))
		},
	}
}

// SetErrorHandler allows setting a custom error handler function. It is
// called for failed, panicking, cancelled-before-start and abandoned tasks.
func (r *TaskRunner) SetErrorHandler(handler func(task Task, err error)) {
	r.errHandler = handler
}

// Submit buffers task for execution. It fails fast with ErrQueueFull or
// ErrQueueClosed rather than blocking.
func (r *TaskRunner) Submit(ctx context.Context, task Task) error {
	r.mu.Lock()
	r.queued[task.ID()] = struct{}{}
	r.mu.Unlock()

	if err := r.queue.Enqueue(task); err != nil {
		r.mu.Lock()
		delete(r.queued, task.ID())
		r.mu.Unlock()
		return fmt.Errorf("failed to submit task: %w", err)
	}
	return nil
}

// Cancel stops a running task or prevents a queued one from starting.
func (r *TaskRunner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.running[id]; ok {
		cancel(ErrTaskCancelled)
		r.logger.Info("cancelling running task", "task_id", id)
		return true
	}
	if _, ok := r.queued[id]; ok {
		r.cancelled[id] = struct{}{}
		r.logger.Info("cancelling queued task", "task_id", id)
		return true
	}
	return false
}

// Start launches the worker goroutines.
func (r *TaskRunner) Start() error {
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("task runner already stopped: %w", err)
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.logger.Info("task runner started", "worker_count", r.config.WorkerCount)
	return nil
}

// Stop cancels running tasks, waits for the workers to return and fails
// every task still waiting in the queue.
func (r *TaskRunner) Stop() {
	r.cancelFunc(ErrTaskCancelled)
	r.wg.Wait()
	r.queue.Close()

	abandoned := 0
	for task := range r.queue.GetChannel() {
		r.forget(task.ID())
		r.errHandler(task, ErrTaskCancelled)
		abandoned++
	}
	r.logger.Info("task runner stopped", "abandoned_tasks", abandoned)
}

func (r *TaskRunner) worker(id int) {
	defer r.wg.Done()

	tasks := r.queue.GetChannel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			r.processTask(task, id)
		}
	}
}

// processTask runs one task under a cancellable context registered in
// r.running. Panics are recovered and reported through the error handler.
func (r *TaskRunner) processTask(task Task, workerID int) {
	logger := r.logger.With(
		"task_id", task.ID(),
		"task_type", task.Type(),
		"worker_id", workerID,
	)

	ctx, cancel := context.WithCancelCause(r.ctx)
	defer cancel(nil)
	if r.config.TaskTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, r.config.TaskTimeout, ErrTaskTimedOut)
		defer stop()
	}

	r.mu.Lock()
	delete(r.queued, task.ID())
	_, wasCancelled := r.cancelled[task.ID()]
	delete(r.cancelled, task.ID())
	if !wasCancelled {
		r.running[task.ID()] = cancel
	}
	r.mu.Unlock()

	if wasCancelled {
		logger.Info("skipping task cancelled before start")
		r.errHandler(task, ErrTaskCancelled)
		return
	}
	defer r.forget(task.ID())

	logger.Info("task started")

	err := r.execute(ctx, task)
	if err != nil {
		logger.Error("task execution failed", "error", redact.Error(err))
		r.errHandler(task, err)
		return
	}

	logger.Info("task finished")
}

func (r *TaskRunner) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked",
				"task_id", task.ID(),
				"panic", rec,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()

	err = task.Execute(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrTaskCancelled) && !errors.Is(err, ErrTaskTimedOut) {
		err = fmt.Errorf("%w: %v", CancellationError(ctx), err)
	}
	return err
}

func (r *TaskRunner) forget(id string) {
	r.mu.Lock()
	delete(r.queued, id)
	delete(r.cancelled, id)
	delete(r.running, id)
	r.mu.Unlock()
}
