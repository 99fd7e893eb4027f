package store

import (
	"context"
	"time"

	"github.com/phrazzld/repackd/internal/domain"
)

// TaskStore defines the interface for TTL-bounded task record persistence.
// Implementations must be safe for concurrent use.
type TaskStore interface {
	// Get retrieves a task record by ID.
	// Returns ErrTaskNotFound if the record does not exist or has expired.
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)

	// Save writes the record, replacing any previous version, and resets its
	// time-to-live to ttl.
	Save(ctx context.Context, record *domain.TaskRecord, ttl time.Duration) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Update atomically reads the record under id, passes it to fn (nil when
	// absent) and stores fn's result with a fresh ttl. No concurrent write to
	// id can land between the read and the write. When fn returns a nil
	// record nothing is written and Update returns nil. fn may run more than
	// once.
	Update(ctx context.Context, id string, ttl time.Duration, fn UpdateFunc) (*domain.TaskRecord, error)
}

// UpdateFunc computes the next version of a record from the current one.
type UpdateFunc func(current *domain.TaskRecord) (*domain.TaskRecord, error)
