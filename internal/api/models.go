package api

import (
	"time"

	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/marketplace"
	"github.com/phrazzld/repackd/internal/resilience"
)

// CreateTaskRequest defines the payload for submitting a repackaging task.
// Exactly one of URL, LocalPath and Marketplace must be set.
type CreateTaskRequest struct {
	URL         string                 `json:"url,omitempty"         validate:"omitempty,http_url,max=2048"`
	LocalPath   string                 `json:"local_path,omitempty"  validate:"omitempty,max=4096"`
	Marketplace *marketplace.Reference `json:"marketplace,omitempty"`

	// Platform and Suffix fall back to the configured defaults.
	Platform string `json:"platform,omitempty" validate:"omitempty,max=64"`
	Suffix   string `json:"suffix,omitempty"   validate:"omitempty,max=32"`
}

// CreateTaskResponse is returned with 202 Accepted once a task is scheduled.
type CreateTaskResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
	StreamURL string `json:"stream_url"`
}

// TaskResponse is the polling view of a task record.
type TaskResponse struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Progress        int               `json:"progress"`
	Attempt         int               `json:"attempt"`
	Message         string            `json:"message,omitempty"`
	Error           string            `json:"error,omitempty"`
	OutputReference string            `json:"output_reference,omitempty"`
	ArtifactURL     string            `json:"artifact_url,omitempty"`
	SourceMetadata  map[string]string `json:"source_metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// PluginResponse describes a marketplace lookup and where its answer came
// from.
type PluginResponse struct {
	Plugin   marketplace.Plugin `json:"plugin"`
	Source   resilience.Source  `json:"source"`
	Degraded bool               `json:"degraded"`
	Cached   bool               `json:"cached"`
}

func taskToResponse(record *domain.TaskRecord) TaskResponse {
	resp := TaskResponse{
		ID:              record.ID,
		Status:          string(record.Status),
		Progress:        record.Progress,
		Attempt:         record.Attempt,
		Message:         record.Message,
		Error:           record.Error,
		OutputReference: record.OutputReference,
		SourceMetadata:  record.SourceMetadata,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
		CompletedAt:     record.CompletedAt,
	}
	if record.Status == domain.TaskStatusCompleted && record.OutputReference != "" {
		resp.ArtifactURL = taskPath(record.ID) + "/artifact"
	}
	return resp
}

func taskPath(id string) string {
	return "/api/tasks/" + id
}

func streamPath(id string) string {
	return "/ws/tasks/" + id
}
