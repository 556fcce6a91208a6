// Package api contains shared JSON request/response structs.
// This package is shared between the controller, the worker and the CLI.
package api

import (
	"encoding/json"
	"time"
)

// CreateArchetypeRequest is the request body for saving a new archetype version.
type CreateArchetypeRequest struct {
	Content json.RawMessage `json:"content"`
}

// CreateArchetypeResponse carries the ID of the new version.
type CreateArchetypeResponse struct {
	ID int64 `json:"id"`
}

// Archetype is one immutable archetype version.
type Archetype struct {
	ID        int64           `json:"id"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// SubmitTaskRequest is the request body for submitting a task instance.
// An omitted ID resolves to the most recent archetype of that kind.
type SubmitTaskRequest struct {
	BuildArchetypeID *int64 `json:"build_archetype_id,omitempty"`
	TaskArchetypeID  *int64 `json:"task_archetype_id,omitempty"`
}

// TaskInstance represents a task instance in API responses.
type TaskInstance struct {
	ID                    int64           `json:"id"`
	BuildArchetypeID      int64           `json:"build_archetype_id"`
	TaskArchetypeID       int64           `json:"task_archetype_id"`
	NumJobsRemaining      int             `json:"num_jobs_remaining"`
	State                 string          `json:"state"`
	Position              *string         `json:"position,omitempty"`
	LeasedUntil           *time.Time      `json:"leased_until,omitempty"`
	RerunOf               *int64          `json:"rerun_of,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	BuildArchetypeContent json.RawMessage `json:"build_archetype_content,omitempty"`
	TaskArchetypeContent  json.RawMessage `json:"task_archetype_content,omitempty"`
}

// Reorder moves an instance next to another pending instance.
type Reorder struct {
	// Move is "before" or "after".
	Move       string `json:"move"`
	RelativeTo int64  `json:"relativeTo"`
}

// UpdateTaskInstanceRequest is the body of PUT /task_instances/{id}.
// Exactly one field must be set.
type UpdateTaskInstanceRequest struct {
	Reorder       *Reorder `json:"reorder,omitempty"`
	Position      *int     `json:"position,omitempty"`
	State         *string  `json:"state,omitempty"`
	CompletedJobs *int     `json:"completed_jobs,omitempty"`
}

// ClaimRequest is sent by workers asking for the next job.
type ClaimRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

// ClaimResponse hands one job of a pending instance to a worker.
type ClaimResponse struct {
	Instance TaskInstance `json:"instance"`
	JobIndex int          `json:"job_index"`
}

// HeartbeatRequest extends the lease of a claimed instance.
type HeartbeatRequest struct {
	LeaseSeconds int `json:"lease_seconds"`
}

// ProgressRequest reports completed jobs.
type ProgressRequest struct {
	CompletedJobs int `json:"completed_jobs"`
}

// ChangeEvent is the only message pushed on the change feed.
type ChangeEvent struct {
	Type string `json:"type"`
}

// ChangeEventType is the value of ChangeEvent.Type.
const ChangeEventType = "changed"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation        = "validation_error"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidReorder    = "invalid_reorder"
	CodeInvalidArgument   = "invalid_argument"
	CodeConflict          = "conflict"
	CodeStorage           = "storage_error"
	CodeRateLimited       = "rate_limited"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal_error"
)
