package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/store"
)

type entry struct {
	record    *domain.TaskRecord
	expiresAt time.Time
}

// TaskStore implements store.TaskStore with a map guarded by a mutex.
// Expired records are treated as absent on read and removed lazily.
type TaskStore struct {
	mu      sync.RWMutex
	records map[string]entry
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a TaskStore.
type Option func(*TaskStore)

// WithClock replaces time.Now, for deterministic expiry in tests.
func WithClock(now func() time.Time) Option {
	return func(s *TaskStore) {
		s.now = now
	}
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore(logger *slog.Logger, opts ...Option) *TaskStore {
	s := &TaskStore{
		records: make(map[string]entry),
		now:     time.Now,
		logger:  logger.With("component", "memory_task_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.TaskStore = (*TaskStore)(nil)

// Get returns a copy of the stored record.
func (s *TaskStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()

	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Save may have refreshed it.
		if cur, ok := s.records[id]; ok && !s.now().Before(cur.expiresAt) {
			delete(s.records, id)
		}
		s.mu.Unlock()
		return nil, store.ErrTaskNotFound
	}

	return e.record.Clone(), nil
}

// Save stores a copy of record with a fresh ttl.
func (s *TaskStore) Save(ctx context.Context, record *domain.TaskRecord, ttl time.Duration) error {
	if record == nil || record.ID == "" {
		return store.NewStoreError("task", "save", "record has no id", store.ErrInvalidEntity)
	}
	if ttl <= 0 {
		return store.NewStoreError("task", "save", "ttl must be positive", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	s.records[record.ID] = entry{
		record:    record.Clone(),
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()

	s.logger.Debug("saved task record",
		"task_id", record.ID,
		"status", record.Status,
		"progress", record.Progress)
	return nil
}

// Update runs fn under the store lock, so the read and the write form one
// step.
func (s *TaskStore) Update(ctx context.Context, id string, ttl time.Duration, fn store.UpdateFunc) (*domain.TaskRecord, error) {
	if ttl <= 0 {
		return nil, store.NewStoreError("task", "update", "ttl must be positive", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var current *domain.TaskRecord
	if e, ok := s.records[id]; ok && now.Before(e.expiresAt) {
		current = e.record.Clone()
	}

	next, err := fn(current)
	if err != nil || next == nil {
		return nil, err
	}
	if next.ID != id {
		return nil, store.NewStoreError("task", "update", "record id changed", store.ErrInvalidEntity)
	}

	s.records[id] = entry{
		record:    next.Clone(),
		expiresAt: now.Add(ttl),
	}
	return next, nil
}

// Delete removes the record if present.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Purge drops every expired record and returns how many were removed.
func (s *TaskStore) Purge() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.records {
		if !now.Before(e.expiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored records, expired ones included.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
