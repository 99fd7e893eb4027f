package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/events"
	"github.com/phrazzld/repackd/internal/redact"
	"github.com/phrazzld/repackd/internal/store"
)

// Tracker is the single write path for task records. Every accepted change
// is persisted with a refreshed TTL and then published on the task's channel.
type Tracker struct {
	store   store.TaskStore
	emitter events.EventEmitter
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock replaces time.Now for record timestamps.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a Tracker writing records with the given ttl.
func NewTracker(
	taskStore store.TaskStore,
	emitter events.EventEmitter,
	ttl time.Duration,
	logger *slog.Logger,
	opts ...TrackerOption,
) *Tracker {
	t := &Tracker{
		store:   taskStore,
		emitter: emitter,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "task_tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create writes a fresh Pending record and publishes it.
func (t *Tracker) Create(ctx context.Context, id string, metadata map[string]string) (*domain.TaskRecord, error) {
	record, err := domain.NewTaskRecord(id, metadata, t.now())
	if err != nil {
		return nil, err
	}
	if err := t.store.Save(ctx, record, t.ttl); err != nil {
		return nil, fmt.Errorf("failed to create task record: %w", err)
	}
	t.publish(ctx, record)
	return record, nil
}

// Get returns the current record or store.ErrTaskNotFound.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	return t.store.Get(ctx, id)
}

// Delete removes the record.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	return t.store.Delete(ctx, id)
}

// Update applies u to the record identified by id.
//
// A missing record is treated as a fresh Pending shell. Updates that arrive
// after the record reached Completed or Failed are ignored: the stored
// record is returned unchanged and nothing is published. State machine and
// validation rejections are returned as errors and nothing is written. The
// read, merge and write happen in one store.Update, so a concurrent writer
// can never replace a terminal record.
func (t *Tracker) Update(ctx context.Context, id string, u domain.TaskUpdate) (*domain.TaskRecord, error) {
	var finished *domain.TaskRecord
	next, err := t.store.Update(ctx, id, t.ttl, func(current *domain.TaskRecord) (*domain.TaskRecord, error) {
		finished = nil
		if current == nil {
			fresh, err := domain.NewTaskRecord(id, nil, t.now())
			if err != nil {
				return nil, err
			}
			current = fresh
		}
		if current.IsTerminal() {
			finished = current
			return nil, nil
		}
		return current.Apply(u, t.now())
	})
	if err != nil {
		if domain.IsValidationError(err) || errors.Is(err, domain.ErrInvalidTransition) {
			t.logger.Warn("rejected task update",
				"task_id", id,
				"update_status", u.Status,
				"error", err)
			return nil, err
		}
		return nil, fmt.Errorf("failed to save task record: %w", err)
	}

	if finished != nil {
		t.logger.Debug("ignoring update for finished task",
			"task_id", id,
			"status", finished.Status,
			"update_status", u.Status)
		return finished, nil
	}

	t.publish(ctx, next)
	return next, nil
}

// Fail marks the task Failed with the redacted cause as its error. It is
// safe to call on a task that already finished.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) (*domain.TaskRecord, error) {
	msg := "task failed"
	if cause != nil {
		msg = redact.Error(cause)
	}
	return t.Update(ctx, id, domain.TaskUpdate{
		Status: domain.TaskStatusFailed,
		Error:  msg,
	})
}

// publish emits the record on its task channel. A publish failure does not
// undo the write; pollers still see the new state.
func (t *Tracker) publish(ctx context.Context, record *domain.TaskRecord) {
	if t.emitter == nil {
		return
	}
	event, err := events.NewEvent(record.ID, events.TypeTaskUpdate, record)
	if err != nil {
		t.logger.Error("failed to build task update event", "task_id", record.ID, "error", err)
		return
	}
	if err := t.emitter.EmitEvent(ctx, event); err != nil {
		t.logger.Error("failed to publish task update",
			"task_id", record.ID,
			"status", record.Status,
			"error", err)
	}
}
