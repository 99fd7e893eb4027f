package repack

import (
	"context"
	"fmt"

	"github.com/phrazzld/repackd/internal/config"
	"github.com/phrazzld/repackd/internal/task"
)

// Task adapts a Request to task.Task so any dispatcher can run it.
type Task struct {
	req     Request
	payload []byte
	worker  *Worker
}

var _ task.Task = (*Task)(nil)

// ID returns the task id.
func (t *Task) ID() string { return t.req.TaskID }

// Type returns task.TaskTypeRepack.
func (t *Task) Type() string { return task.TaskTypeRepack }

// Payload returns the encoded request.
func (t *Task) Payload() []byte { return t.payload }

// Request returns the request the task carries.
func (t *Task) Request() Request { return t.req }

// Execute runs the worker.
func (t *Task) Execute(ctx context.Context) error {
	return t.worker.Run(ctx, t.req)
}

// Factory builds tasks bound to a Worker.
type Factory struct {
	worker *Worker
}

// NewFactory creates a Factory.
func NewFactory(worker *Worker) *Factory {
	return &Factory{worker: worker}
}

// CreateTask wraps req.
func (f *Factory) CreateTask(req Request) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return &Task{req: req, payload: payload, worker: f.worker}, nil
}

// FromPayload rebuilds a task from a dispatcher payload.
func (f *Factory) FromPayload(payload []byte) (*Task, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	return &Task{req: req, payload: payload, worker: f.worker}, nil
}

// WorkerConfigFrom maps the repack configuration onto a WorkerConfig.
func WorkerConfigFrom(cfg config.RepackConfig) WorkerConfig {
	return WorkerConfig{
		WorkDir:         cfg.WorkDir,
		DownloadTimeout: cfg.DownloadTimeout,
		DownloadRetry: task.RetryPolicy{
			Attempts:      cfg.DownloadAttempts,
			BaseDelay:     cfg.DownloadBaseDelay,
			MaxDelay:      30 * cfg.DownloadBaseDelay,
			JitterPercent: 10,
		},
		RepackRetry: task.RetryPolicy{
			Attempts:      cfg.RepackAttempts,
			BaseDelay:     cfg.RepackBaseDelay,
			MaxDelay:      30 * cfg.RepackBaseDelay,
			JitterPercent: 10,
		},
	}
}
