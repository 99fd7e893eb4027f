package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/repackd/internal/api/shared"
	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/platform/memory"
	"github.com/phrazzld/repackd/internal/repack"
	"github.com/phrazzld/repackd/internal/store"
	"github.com/phrazzld/repackd/internal/task"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	submitted []task.Task
	cancelled []string
	submitErr error
	// running makes Cancel report that an executor records the outcome.
	running bool
}

func (d *fakeDispatcher) Submit(_ context.Context, t task.Task) error {
	if d.submitErr != nil {
		return d.submitErr
	}
	d.submitted = append(d.submitted, t)
	return nil
}

func (d *fakeDispatcher) Cancel(id string) bool {
	d.cancelled = append(d.cancelled, id)
	return d.running
}

type taskFixture struct {
	router     http.Handler
	tracker    *task.Tracker
	dispatcher *fakeDispatcher
	artifactFs afero.Fs
	localDir   string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	logger := testLogger()

	f := &taskFixture{
		tracker:    task.NewTracker(memory.NewTaskStore(logger), nil, time.Hour, logger),
		dispatcher: &fakeDispatcher{},
		artifactFs: afero.NewMemMapFs(),
		localDir:   t.TempDir(),
	}
	h := NewTaskHandler(
		f.tracker,
		f.dispatcher,
		repack.NewFactory(nil),
		repack.NewArtifactStore(f.artifactFs),
		TaskHandlerConfig{
			DefaultPlatform: "manylinux2014_x86_64",
			DefaultSuffix:   "offline",
			LocalInputDir:   f.localDir,
		},
		logger,
	)

	r := chi.NewRouter()
	r.Post("/api/tasks", h.CreateTask)
	r.Get("/api/tasks/{id}", h.GetTask)
	r.Delete("/api/tasks/{id}", h.DeleteTask)
	r.Post("/api/tasks/{id}/cancel", h.CancelTask)
	r.Get("/api/tasks/{id}/artifact", h.GetArtifact)
	f.router = r
	return f
}

func (f *taskFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *taskFixture) create(t *testing.T, body string) CreateTaskResponse {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp CreateTaskResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) shared.ErrorResponse {
	t.Helper()
	var resp shared.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestCreateTask(t *testing.T) {
	t.Run("url input is accepted and dispatched", func(t *testing.T) {
		f := newTaskFixture(t)

		rr := f.do(t, http.MethodPost, "/api/tasks", `{"url":"https://example.com/files/plugin.difypkg"}`)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		var resp CreateTaskResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.NotEmpty(t, resp.TaskID)
		assert.Equal(t, "pending", resp.Status)
		assert.Equal(t, "/api/tasks/"+resp.TaskID, resp.StatusURL)
		assert.Equal(t, "/ws/tasks/"+resp.TaskID, resp.StreamURL)
		assert.Equal(t, resp.StatusURL, rr.Header().Get("Location"))

		require.Len(t, f.dispatcher.submitted, 1)
		submitted, ok := f.dispatcher.submitted[0].(*repack.Task)
		require.True(t, ok)
		assert.Equal(t, resp.TaskID, submitted.ID())
		assert.Equal(t, "manylinux2014_x86_64", submitted.Request().Platform)
		assert.Equal(t, "offline", submitted.Request().Suffix)

		record, err := f.tracker.Get(context.Background(), resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, record.Status)
		assert.Equal(t, repack.InputURL, record.SourceMetadata["input_kind"])
	})

	t.Run("marketplace input keeps explicit platform and suffix", func(t *testing.T) {
		f := newTaskFixture(t)

		resp := f.create(t, `{"marketplace":{"author":"langgenius","name":"openai","version":"0.0.5"},`+
			`"platform":"manylinux2014_aarch64","suffix":"bundle"}`)

		submitted := f.dispatcher.submitted[0].(*repack.Task)
		assert.Equal(t, resp.TaskID, submitted.ID())
		assert.Equal(t, "langgenius/openai@0.0.5", submitted.Request().Marketplace.String())
		assert.Equal(t, "manylinux2014_aarch64", submitted.Request().Platform)
		assert.Equal(t, "bundle", submitted.Request().Suffix)
	})

	t.Run("local input is resolved inside the input directory", func(t *testing.T) {
		f := newTaskFixture(t)

		f.create(t, `{"local_path":"plugin.difypkg"}`)

		submitted := f.dispatcher.submitted[0].(*repack.Task)
		assert.Equal(t, filepath.Join(f.localDir, "plugin.difypkg"), submitted.Request().LocalPath)
	})

	testCases := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{"empty body", "", "Invalid request format"},
		{"malformed json", `{"url":`, "Invalid request format"},
		{"unknown field", `{"url":"https://example.com/a.difypkg","extra":1}`, "Invalid request format"},
		{"invalid url", `{"url":"not a url"}`, "Invalid url: invalid URL"},
		{"missing marketplace name", `{"marketplace":{"author":"langgenius"}}`, "Invalid name: required field"},
		{"no input", `{}`, "exactly one of url, local_path and marketplace must be set"},
		{
			"two inputs",
			`{"url":"https://example.com/a.difypkg","marketplace":{"author":"a","name":"b"}}`,
			"exactly one of url, local_path and marketplace must be set",
		},
		{"bad platform", `{"url":"https://example.com/a.difypkg","platform":"linux; rm"}`, "invalid platform"},
		{"local path escapes", `{"local_path":"../../etc/passwd"}`, "Local input not allowed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTaskFixture(t)

			rr := f.do(t, http.MethodPost, "/api/tasks", tc.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, decodeError(t, rr).Error, tc.wantMessage)
			assert.Empty(t, f.dispatcher.submitted)
		})
	}

	t.Run("full queue fails the record", func(t *testing.T) {
		f := newTaskFixture(t)
		f.dispatcher.submitErr = task.ErrQueueFull

		rr := f.do(t, http.MethodPost, "/api/tasks", `{"url":"https://example.com/a.difypkg"}`)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "Server busy, try again later", decodeError(t, rr).Error)
	})
}

// recordingStore remembers which ids were saved.
type recordingStore struct {
	*memory.TaskStore
	saved []string
}

func (s *recordingStore) Save(ctx context.Context, record *domain.TaskRecord, ttl time.Duration) error {
	s.saved = append(s.saved, record.ID)
	return s.TaskStore.Save(ctx, record, ttl)
}

func TestCreateTask_SubmitFailureClosesRecord(t *testing.T) {
	logger := testLogger()
	taskStore := &recordingStore{TaskStore: memory.NewTaskStore(logger)}
	tracker := task.NewTracker(taskStore, nil, time.Hour, logger)
	dispatcher := &fakeDispatcher{submitErr: task.ErrQueueClosed}
	h := NewTaskHandler(tracker, dispatcher, repack.NewFactory(nil),
		repack.NewArtifactStore(afero.NewMemMapFs()),
		TaskHandlerConfig{DefaultPlatform: "p", DefaultSuffix: "s"}, logger)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks",
		bytes.NewBufferString(`{"url":"https://example.com/a.difypkg"}`))
	rr := httptest.NewRecorder()
	h.CreateTask(rr, req)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Server shutting down", decodeError(t, rr).Error)

	require.NotEmpty(t, taskStore.saved)
	record, err := tracker.Get(context.Background(), taskStore.saved[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, record.Status)
	assert.Contains(t, record.Error, "failed to schedule task")
}

func TestGetTask(t *testing.T) {
	f := newTaskFixture(t)

	t.Run("unknown task", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/api/tasks/missing", "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "Task not found", decodeError(t, rr).Error)
	})

	t.Run("existing task", func(t *testing.T) {
		created := f.create(t, `{"url":"https://example.com/a.difypkg"}`)

		rr := f.do(t, http.MethodGet, created.StatusURL, "")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp TaskResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, created.TaskID, resp.ID)
		assert.Equal(t, "pending", resp.Status)
		assert.Equal(t, 0, resp.Progress)
		assert.Empty(t, resp.ArtifactURL)
	})

	t.Run("body uses the realtime record keys", func(t *testing.T) {
		created := f.create(t, `{"url":"https://example.com/a.difypkg"}`)

		rr := f.do(t, http.MethodGet, created.StatusURL, "")
		require.Equal(t, http.StatusOK, rr.Code)

		var polled map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &polled))
		record, err := f.tracker.Get(context.Background(), created.TaskID)
		require.NoError(t, err)
		pushed, err := json.Marshal(record)
		require.NoError(t, err)
		var streamed map[string]any
		require.NoError(t, json.Unmarshal(pushed, &streamed))

		assert.Equal(t, created.TaskID, polled["id"])
		assert.NotContains(t, polled, "task_id")
		for key := range streamed {
			assert.Contains(t, polled, key)
		}
	})
}

func TestCancelTask(t *testing.T) {
	f := newTaskFixture(t)
	created := f.create(t, `{"url":"https://example.com/a.difypkg"}`)

	rr := f.do(t, http.MethodPost, created.StatusURL+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, task.ErrTaskCancelled.Error(), resp.Error)
	assert.Equal(t, []string{created.TaskID}, f.dispatcher.cancelled)

	rr = f.do(t, http.MethodPost, created.StatusURL+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Task already finished", decodeError(t, rr).Error)

	rr = f.do(t, http.MethodPost, "/api/tasks/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelTask_RunningTaskIsClosedByItsWorker(t *testing.T) {
	f := newTaskFixture(t)
	f.dispatcher.running = true
	created := f.create(t, `{"url":"https://example.com/a.difypkg"}`)
	ctx := context.Background()

	_, err := f.tracker.Update(ctx, created.TaskID, domain.TaskUpdate{
		Status: domain.TaskStatusProcessing, Progress: 40, Attempt: 1,
	})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, created.StatusURL+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "processing", resp.Status, "the handler does not write over a running worker")
	assert.Empty(t, resp.Error)

	// The worker observes its cancelled context and records the outcome; a
	// progress line racing behind it is ignored.
	_, err = f.tracker.Fail(ctx, created.TaskID, task.ErrTaskCancelled)
	require.NoError(t, err)
	_, err = f.tracker.Update(ctx, created.TaskID, domain.TaskUpdate{
		Status: domain.TaskStatusProcessing, Progress: 60, Attempt: 1,
	})
	require.NoError(t, err)

	record, err := f.tracker.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, record.Status)
	assert.Equal(t, task.ErrTaskCancelled.Error(), record.Error)
}

// complete drives the record of id to Completed with an artifact.
func (f *taskFixture) complete(t *testing.T, id string) string {
	t.Helper()
	ctx := context.Background()
	ref := id + "/plugin-offline.difypkg"
	require.NoError(t, afero.WriteFile(f.artifactFs, ref, []byte("PK-artifact"), 0o644))

	_, err := f.tracker.Update(ctx, id, domain.TaskUpdate{Status: domain.TaskStatusProcessing, Progress: 50, Attempt: 1})
	require.NoError(t, err)
	_, err = f.tracker.Update(ctx, id, domain.TaskUpdate{
		Status:          domain.TaskStatusCompleted,
		Progress:        100,
		OutputReference: ref,
	})
	require.NoError(t, err)
	return ref
}

func TestDeleteTask(t *testing.T) {
	f := newTaskFixture(t)

	t.Run("unknown task is a no-op", func(t *testing.T) {
		rr := f.do(t, http.MethodDelete, "/api/tasks/missing", "")
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("active task must be cancelled first", func(t *testing.T) {
		created := f.create(t, `{"url":"https://example.com/a.difypkg"}`)

		rr := f.do(t, http.MethodDelete, created.StatusURL, "")
		assert.Equal(t, http.StatusConflict, rr.Code)

		_, err := f.tracker.Get(context.Background(), created.TaskID)
		assert.NoError(t, err)
	})

	t.Run("finished task and its artifacts are removed", func(t *testing.T) {
		created := f.create(t, `{"url":"https://example.com/a.difypkg"}`)
		ref := f.complete(t, created.TaskID)

		rr := f.do(t, http.MethodDelete, created.StatusURL, "")
		assert.Equal(t, http.StatusNoContent, rr.Code)

		_, err := f.tracker.Get(context.Background(), created.TaskID)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		exists, err := afero.Exists(f.artifactFs, ref)
		require.NoError(t, err)
		assert.False(t, exists)

		rr = f.do(t, http.MethodDelete, created.StatusURL, "")
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestGetArtifact(t *testing.T) {
	f := newTaskFixture(t)
	created := f.create(t, `{"url":"https://example.com/a.difypkg"}`)

	rr := f.do(t, http.MethodGet, created.StatusURL+"/artifact", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Artifact not ready", decodeError(t, rr).Error)

	f.complete(t, created.TaskID)

	rr = f.do(t, http.MethodGet, created.StatusURL, "")
	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, created.StatusURL+"/artifact", resp.ArtifactURL)

	rr = f.do(t, http.MethodGet, resp.ArtifactURL, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "PK-artifact", rr.Body.String())
	assert.Equal(t, `attachment; filename="plugin-offline.difypkg"`, rr.Header().Get("Content-Disposition"))
}
