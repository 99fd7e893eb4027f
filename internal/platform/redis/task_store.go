package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/platform/logger"
	"github.com/phrazzld/repackd/internal/store"
	goredis "github.com/redis/go-redis/v9"
)

// maxUpdateAttempts bounds optimistic retries in Update.
const maxUpdateAttempts = 10

// TaskStore implements store.TaskStore on top of Redis string keys.
type TaskStore struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// NewTaskStore creates a TaskStore using client.
func NewTaskStore(client goredis.UniversalClient, logger *slog.Logger) *TaskStore {
	return &TaskStore{
		client: client,
		logger: logger.With("component", "redis_task_store"),
	}
}

var _ store.TaskStore = (*TaskStore)(nil)

// MapError maps a Redis error to the store error vocabulary.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
	}
	return err
}

// Get loads and decodes the record stored under id.
func (s *TaskStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrTaskNotFound
		}
		logger.FromContext(ctx).Error("failed to get task record",
			"task_id", id,
			"error", err)
		return nil, store.NewStoreError("task", "get", "redis GET failed", MapError(err))
	}

	return decodeRecord(data)
}

func decodeRecord(data []byte) (*domain.TaskRecord, error) {
	var record domain.TaskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, store.NewStoreError("task", "get", "corrupt record",
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, err))
	}
	return &record, nil
}

// Save encodes record as JSON and stores it with SET ... EX ttl.
func (s *TaskStore) Save(ctx context.Context, record *domain.TaskRecord, ttl time.Duration) error {
	if record == nil || record.ID == "" {
		return store.NewStoreError("task", "save", "record has no id", store.ErrInvalidEntity)
	}
	if ttl <= 0 {
		return store.NewStoreError("task", "save", "ttl must be positive", store.ErrInvalidEntity)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return store.NewStoreError("task", "save", "encode record", err)
	}

	if err := s.client.Set(ctx, taskKey(record.ID), data, ttl).Err(); err != nil {
		logger.FromContext(ctx).Error("failed to save task record",
			"task_id", record.ID,
			"status", record.Status,
			"error", err)
		return store.NewStoreError("task", "save", "redis SET failed", MapError(err))
	}

	s.logger.Debug("saved task record",
		"task_id", record.ID,
		"status", record.Status,
		"progress", record.Progress)
	return nil
}

// Update is an optimistic read-modify-write: the key is WATCHed, fn runs on
// the decoded record and the result is written in MULTI/EXEC. A concurrent
// write to the key aborts the transaction and fn runs again.
func (s *TaskStore) Update(ctx context.Context, id string, ttl time.Duration, fn store.UpdateFunc) (*domain.TaskRecord, error) {
	if ttl <= 0 {
		return nil, store.NewStoreError("task", "update", "ttl must be positive", store.ErrInvalidEntity)
	}
	key := taskKey(id)

	var written *domain.TaskRecord
	txf := func(tx *goredis.Tx) error {
		written = nil

		var current *domain.TaskRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return store.NewStoreError("task", "update", "redis GET failed", MapError(err))
		default:
			if current, err = decodeRecord(data); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		if next.ID != id {
			return store.NewStoreError("task", "update", "record id changed", store.ErrInvalidEntity)
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return store.NewStoreError("task", "update", "encode record", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		written = next
		return nil
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return written, nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return nil, err
		}
		s.logger.Debug("task record changed during update, retrying",
			"task_id", id,
			"attempt", attempt)
	}
	return nil, store.NewStoreError("task", "update", "too many concurrent writers", store.ErrConflict)
}

// Delete removes the key. A missing key is not an error.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, taskKey(id)).Err(); err != nil {
		return store.NewStoreError("task", "delete", "redis DEL failed", MapError(err))
	}
	return nil
}
