package domain

import (
	"fmt"
	"maps"
	"time"
)

// TaskStatus represents the lifecycle state of a repackaging task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusProcessing  TaskStatus = "processing"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

// Progress bounds.
const (
	ProgressMin = 0
	ProgressMax = 100
)

// transitions lists the permitted edges of the task state machine.
// Terminal states have no outgoing edges.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:     {TaskStatusDownloading, TaskStatusProcessing, TaskStatusFailed},
	TaskStatusDownloading: {TaskStatusDownloading, TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing:  {TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed},
}

// IsValid reports whether s is one of the known statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusDownloading, TaskStatusProcessing,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further state transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskRecord is the canonical, TTL-bounded record of one task. It is what
// polling clients read and what realtime clients receive on every change.
type TaskRecord struct {
	ID              string            `json:"id"`
	Status          TaskStatus        `json:"status"`
	Progress        int               `json:"progress"`
	Attempt         int               `json:"attempt"`
	Message         string            `json:"message,omitempty"`
	Error           string            `json:"error,omitempty"`
	OutputReference string            `json:"output_reference,omitempty"`
	SourceMetadata  map[string]string `json:"source_metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// TaskUpdate carries the fields a worker wants to change. Empty strings and
// nil maps mean "leave unchanged".
type TaskUpdate struct {
	Status          TaskStatus
	Progress        int
	Message         string
	Error           string
	OutputReference string
	Metadata        map[string]string

	// Attempt identifies the execution attempt reporting this update. A value
	// greater than the record's attempt starts a new attempt and resets the
	// progress floor; zero means the current attempt.
	Attempt int
}

// NewTaskRecord creates a Pending record stamped with now.
func NewTaskRecord(id string, metadata map[string]string, now time.Time) (*TaskRecord, error) {
	now = now.UTC()
	r := &TaskRecord{
		ID:             id,
		Status:         TaskStatusPending,
		SourceMetadata: maps.Clone(metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// IsTerminal reports whether the record reached Completed or Failed.
func (r *TaskRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a deep copy of the record.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.SourceMetadata = maps.Clone(r.SourceMetadata)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Validate checks the record invariants.
func (r *TaskRecord) Validate() error {
	if r.ID == "" {
		return ErrEmptyTaskID
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskStatus, r.Status)
	}
	if r.Progress < ProgressMin || r.Progress > ProgressMax {
		return fmt.Errorf("%w: %d", ErrInvalidProgress, r.Progress)
	}
	if r.Status == TaskStatusCompleted && r.Progress != ProgressMax {
		return fmt.Errorf("%w: completed task must report %d", ErrInvalidProgress, ProgressMax)
	}
	if r.Status != TaskStatusCompleted && r.Status != TaskStatusProcessing && r.Progress == ProgressMax {
		return fmt.Errorf("%w: only completed tasks report %d", ErrInvalidProgress, ProgressMax)
	}
	if (r.Status == TaskStatusFailed) != (r.Error != "") {
		return ErrErrorStatusMismatch
	}
	return nil
}

// validateUpdate rejects malformed updates before they are merged.
func validateUpdate(u TaskUpdate) error {
	if !u.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskStatus, u.Status)
	}
	if u.Progress < ProgressMin || u.Progress > ProgressMax {
		return fmt.Errorf("%w: %d", ErrInvalidProgress, u.Progress)
	}
	if u.Attempt < 0 {
		return fmt.Errorf("%w: negative attempt %d", ErrValidation, u.Attempt)
	}
	if (u.Status == TaskStatusFailed) != (u.Error != "") {
		return ErrErrorStatusMismatch
	}
	return nil
}

// Apply merges u over the record and returns the resulting record. The
// receiver is not modified.
//
// Apply returns ErrTerminalState when the record already reached a terminal
// status and ErrInvalidTransition when the state machine forbids the edge.
// Within one attempt progress never decreases; a higher attempt number
// restarts the progress floor.
func (r *TaskRecord) Apply(u TaskUpdate, now time.Time) (*TaskRecord, error) {
	if r.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTerminalState, r.ID, r.Status)
	}
	if err := validateUpdate(u); err != nil {
		return nil, err
	}
	if u.Status != r.Status && !r.Status.CanTransitionTo(u.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, u.Status)
	}
	if u.Status == r.Status && u.Status == TaskStatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, u.Status)
	}

	next := r.Clone()
	next.Status = u.Status

	if u.Attempt > next.Attempt {
		next.Attempt = u.Attempt
		next.Progress = u.Progress
	} else {
		next.Progress = max(next.Progress, u.Progress)
	}

	switch u.Status {
	case TaskStatusCompleted:
		next.Progress = ProgressMax
	case TaskStatusFailed:
		next.Progress = min(next.Progress, ProgressMax-1)
	case TaskStatusPending, TaskStatusDownloading:
		if next.Progress == ProgressMax {
			return nil, fmt.Errorf("%w: %s task cannot report %d", ErrInvalidProgress, u.Status, ProgressMax)
		}
	}

	if u.Message != "" {
		next.Message = u.Message
	}
	next.Error = u.Error
	if u.OutputReference != "" {
		next.OutputReference = u.OutputReference
	}
	if len(u.Metadata) > 0 {
		if next.SourceMetadata == nil {
			next.SourceMetadata = make(map[string]string, len(u.Metadata))
		}
		maps.Copy(next.SourceMetadata, u.Metadata)
	}

	now = now.UTC()
	next.UpdatedAt = now
	if next.IsTerminal() {
		completed := now
		next.CompletedAt = &completed
	}

	return next, nil
}
