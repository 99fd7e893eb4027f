package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/phrazzld/repackd/internal/api/shared"
	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/platform/logger"
	"github.com/phrazzld/repackd/internal/repack"
	"github.com/phrazzld/repackd/internal/store"
	"github.com/phrazzld/repackd/internal/task"
	"github.com/spf13/afero"
)

// TaskTracker is the part of task.Tracker the handlers use.
type TaskTracker interface {
	Create(ctx context.Context, id string, metadata map[string]string) (*domain.TaskRecord, error)
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	Delete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) (*domain.TaskRecord, error)
}

// TaskFactory builds executable tasks from requests.
type TaskFactory interface {
	CreateTask(req repack.Request) (*repack.Task, error)
}

// ArtifactStore serves and removes relocated artifacts.
type ArtifactStore interface {
	Open(ref string) (afero.File, error)
	Remove(taskID string) error
}

// TaskHandlerConfig carries request defaults.
type TaskHandlerConfig struct {
	DefaultPlatform string
	DefaultSuffix   string

	// LocalInputDir is the only directory local_path inputs may name. Empty
	// disables local inputs over HTTP.
	LocalInputDir string
}

// TaskHandler handles task submission, polling and cancellation.
type TaskHandler struct {
	tracker    TaskTracker
	dispatcher task.Dispatcher
	factory    TaskFactory
	artifacts  ArtifactStore
	config     TaskHandlerConfig
	logger     *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(
	tracker TaskTracker,
	dispatcher task.Dispatcher,
	factory TaskFactory,
	artifacts ArtifactStore,
	config TaskHandlerConfig,
	logger *slog.Logger,
) *TaskHandler {
	return &TaskHandler{
		tracker:    tracker,
		dispatcher: dispatcher,
		factory:    factory,
		artifacts:  artifacts,
		config:     config,
		logger:     logger.With("component", "task_handler"),
	}
}

// CreateTask handles POST /api/tasks requests
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req CreateTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	rr := repack.Request{
		TaskID:      uuid.NewString(),
		URL:         req.URL,
		Marketplace: req.Marketplace,
		Platform:    req.Platform,
		Suffix:      req.Suffix,
	}
	if rr.Platform == "" {
		rr.Platform = h.config.DefaultPlatform
	}
	if rr.Suffix == "" {
		rr.Suffix = h.config.DefaultSuffix
	}
	if req.LocalPath != "" {
		p, err := resolveLocalPath(h.config.LocalInputDir, req.LocalPath)
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, GetSafeErrorMessage(err), err,
				shared.WithElevatedLogLevel())
			return
		}
		rr.LocalPath = p
	}

	t, err := h.factory.CreateTask(rr)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	record, err := h.tracker.Create(r.Context(), rr.TaskID, rr.Metadata())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to create task", err)
		return
	}

	if err := h.dispatcher.Submit(r.Context(), t); err != nil {
		// The record exists already; close it so pollers do not wait forever.
		cause := fmt.Errorf("failed to schedule task: %w", err)
		if _, ferr := h.tracker.Fail(context.WithoutCancel(r.Context()), rr.TaskID, cause); ferr != nil {
			log.Error("failed to mark unscheduled task as failed",
				slog.String("task_id", rr.TaskID),
				slog.Any("error", ferr))
		}
		status := MapErrorToStatusCode(err)
		msg := GetSafeErrorMessage(err)
		if status == http.StatusInternalServerError {
			msg = "Failed to schedule task"
		}
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}

	log.Info("task accepted",
		slog.String("task_id", rr.TaskID),
		slog.String("input_kind", rr.InputKind()),
		slog.String("platform", rr.Platform))

	w.Header().Set("Location", taskPath(rr.TaskID))
	shared.RespondWithJSON(w, r, http.StatusAccepted, CreateTaskResponse{
		TaskID:    rr.TaskID,
		Status:    string(record.Status),
		StatusURL: taskPath(rr.TaskID),
		StreamURL: streamPath(rr.TaskID),
	})
}

// GetTask handles GET /api/tasks/{id} requests
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(record))
}

// CancelTask handles POST /api/tasks/{id}/cancel requests
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	if record.IsTerminal() {
		err := fmt.Errorf("%w: %s is %s", ErrTaskFinished, record.ID, record.Status)
		shared.RespondWithErrorAndLog(w, r, http.StatusConflict, GetSafeErrorMessage(err), err)
		return
	}

	// A running or queued task records its own cancellation through the
	// executor. Writing here as well would race the worker's updates.
	owned := h.dispatcher.Cancel(record.ID)

	var (
		updated *domain.TaskRecord
		err     error
	)
	if owned {
		updated, err = h.tracker.Get(r.Context(), record.ID)
	} else {
		updated, err = h.tracker.Fail(context.WithoutCancel(r.Context()), record.ID, task.ErrTaskCancelled)
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), "Failed to cancel task", err)
		return
	}

	logger.FromContextOrDefault(r.Context(), h.logger).Info("task cancelled",
		slog.String("task_id", record.ID),
		slog.Bool("executor_owned", owned))
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(updated))
}

// DeleteTask handles DELETE /api/tasks/{id} requests. Deleting an unknown
// or expired task succeeds.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathParam(r, "id")
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	record, err := h.tracker.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	case !record.IsTerminal():
		err := fmt.Errorf("%w: %s is %s", ErrTaskActive, id, record.Status)
		shared.RespondWithErrorAndLog(w, r, http.StatusConflict, GetSafeErrorMessage(err), err)
		return
	}

	if err := h.tracker.Delete(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to delete task", err)
		return
	}
	if err := h.artifacts.Remove(id); err != nil {
		logger.FromContextOrDefault(r.Context(), h.logger).Warn("failed to remove task artifacts",
			slog.String("task_id", id),
			slog.Any("error", err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetArtifact handles GET /api/tasks/{id}/artifact requests
func (h *TaskHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	record, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	if record.Status != domain.TaskStatusCompleted || record.OutputReference == "" {
		err := fmt.Errorf("%w: %s is %s", ErrArtifactNotReady, record.ID, record.Status)
		shared.RespondWithErrorAndLog(w, r, http.StatusConflict, GetSafeErrorMessage(err), err)
		return
	}

	f, err := h.artifacts.Open(record.OutputReference)
	if err != nil {
		status := http.StatusInternalServerError
		msg := "Failed to open artifact"
		if errors.Is(err, fs.ErrNotExist) {
			status, msg = http.StatusNotFound, "Artifact not found"
		}
		shared.RespondWithErrorAndLog(w, r, status, msg, err)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to open artifact", err)
		return
	}

	name := path.Base(record.OutputReference)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// loadTask reads the record named by the id path parameter, writing the
// error response itself when it cannot.
func (h *TaskHandler) loadTask(w http.ResponseWriter, r *http.Request) (*domain.TaskRecord, bool) {
	id, err := getPathParam(r, "id")
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return nil, false
	}

	record, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return nil, false
	}
	return record, true
}
