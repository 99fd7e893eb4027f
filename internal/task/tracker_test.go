package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/events"
	"github.com/phrazzld/repackd/internal/platform/memory"
	"github.com/phrazzld/repackd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []*domain.TaskRecord
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *events.Event) error {
	var record domain.TaskRecord
	if err := event.UnmarshalData(&record); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, &record)
	return nil
}

func (h *recordingHandler) statuses() []domain.TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.TaskStatus, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r.Status)
	}
	return out
}

func newTestTracker(t *testing.T) (*Tracker, *memory.TaskStore, *recordingHandler) {
	t.Helper()
	logger := discardLogger()
	taskStore := memory.NewTaskStore(logger)
	bus := events.NewInMemoryEventEmitter(logger)
	handler := &recordingHandler{}
	bus.RegisterHandler(handler)
	return NewTracker(taskStore, bus, time.Hour, logger), taskStore, handler
}

func TestTracker_Lifecycle(t *testing.T) {
	tracker, _, handler := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Create(ctx, "t1", map[string]string{"input": "url"})
	require.NoError(t, err)

	updates := []domain.TaskUpdate{
		{Status: domain.TaskStatusDownloading, Progress: 5},
		{Status: domain.TaskStatusProcessing, Progress: 15, Attempt: 1},
		{Status: domain.TaskStatusProcessing, Progress: 100, Message: "success"},
		{Status: domain.TaskStatusCompleted, Progress: 100, OutputReference: "t1/x-offline.pkg"},
	}
	for _, u := range updates {
		_, err := tracker.Update(ctx, "t1", u)
		require.NoError(t, err)
	}

	got, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, "t1/x-offline.pkg", got.OutputReference)
	assert.Equal(t, "url", got.SourceMetadata["input"])

	assert.Equal(t, []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusDownloading,
		domain.TaskStatusProcessing,
		domain.TaskStatusProcessing,
		domain.TaskStatusCompleted,
	}, handler.statuses())
}

func TestTracker_IgnoresUpdatesAfterTerminal(t *testing.T) {
	tracker, _, handler := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Fail(ctx, "t1", errors.New("download failed"))
	require.NoError(t, err)

	rec, err := tracker.Update(ctx, "t1", domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 50})
	require.NoError(t, err, "late updates are not errors")
	assert.Equal(t, domain.TaskStatusFailed, rec.Status)
	assert.Equal(t, "download failed", rec.Error)

	_, err = tracker.Fail(ctx, "t1", errors.New("second failure"))
	require.NoError(t, err)

	got, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "download failed", got.Error)
	assert.Len(t, handler.statuses(), 1, "ignored updates publish nothing")
}

func TestTracker_RejectsInvalidUpdates(t *testing.T) {
	tracker, _, handler := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Create(ctx, "t1", nil)
	require.NoError(t, err)

	_, err = tracker.Update(ctx, "t1", domain.TaskUpdate{Status: domain.TaskStatusCompleted, Progress: 100})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = tracker.Update(ctx, "t1", domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 120})
	assert.ErrorIs(t, err, domain.ErrInvalidProgress)

	got, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.Len(t, handler.statuses(), 1)
}

func TestTracker_MissingRecordStartsPending(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	rec, err := tracker.Update(ctx, "fresh", domain.TaskUpdate{Status: domain.TaskStatusDownloading, Progress: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDownloading, rec.Status)
}

func TestTracker_Delete(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Create(ctx, "t1", nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Delete(ctx, "t1"))

	_, err = tracker.Get(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

type failingStore struct {
	store.TaskStore
	err error
}

func (s failingStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	return nil, s.err
}

func (s failingStore) Update(ctx context.Context, id string, ttl time.Duration, fn store.UpdateFunc) (*domain.TaskRecord, error) {
	return nil, s.err
}

func TestTracker_StoreErrors(t *testing.T) {
	logger := discardLogger()
	boom := errors.New("connection refused")
	tracker := NewTracker(failingStore{err: boom}, nil, time.Hour, logger)

	_, err := tracker.Update(context.Background(), "t1", domain.TaskUpdate{Status: domain.TaskStatusDownloading})
	assert.ErrorIs(t, err, boom)
}

// stallingStore parks the first Processing write inside the store's atomic
// update until release is closed.
type stallingStore struct {
	*memory.TaskStore
	once    sync.Once
	stalled chan struct{}
	release chan struct{}
}

func (s *stallingStore) Update(ctx context.Context, id string, ttl time.Duration, fn store.UpdateFunc) (*domain.TaskRecord, error) {
	return s.TaskStore.Update(ctx, id, ttl, func(current *domain.TaskRecord) (*domain.TaskRecord, error) {
		next, err := fn(current)
		if next != nil && next.Status == domain.TaskStatusProcessing {
			s.once.Do(func() {
				close(s.stalled)
				<-s.release
			})
		}
		return next, err
	})
}

func TestTracker_CancelDuringProgressWriteEndsFailed(t *testing.T) {
	logger := discardLogger()
	taskStore := &stallingStore{
		TaskStore: memory.NewTaskStore(logger),
		stalled:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	tracker := NewTracker(taskStore, nil, time.Hour, logger)
	ctx := context.Background()

	_, err := tracker.Create(ctx, "t1", nil)
	require.NoError(t, err)

	progressDone := make(chan error, 1)
	go func() {
		_, err := tracker.Update(ctx, "t1", domain.TaskUpdate{
			Status: domain.TaskStatusProcessing, Progress: 60, Attempt: 1,
		})
		progressDone <- err
	}()
	<-taskStore.stalled

	failDone := make(chan error, 1)
	go func() {
		_, err := tracker.Fail(ctx, "t1", ErrTaskCancelled)
		failDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(taskStore.release)
	require.NoError(t, <-progressDone)
	require.NoError(t, <-failDone)

	record, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, record.Status)
	assert.Equal(t, ErrTaskCancelled.Error(), record.Error)
	assert.Equal(t, 60, record.Progress)
}

func TestTracker_ConcurrentProgressAndFail(t *testing.T) {
	tracker, _, handler := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Create(ctx, "t1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tracker.Update(ctx, "t1", domain.TaskUpdate{
				Status: domain.TaskStatusProcessing, Progress: i, Attempt: 1,
			})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := tracker.Fail(ctx, "t1", ErrTaskCancelled)
		assert.NoError(t, err)
	}()
	wg.Wait()

	record, err := tracker.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, record.Status)

	failed := 0
	for _, s := range handler.statuses() {
		if s == domain.TaskStatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed, "the terminal record is written and published once")
}
