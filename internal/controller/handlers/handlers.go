// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"taskqueue/internal/logger"
	"taskqueue/internal/store"
	"taskqueue/pkg/api"
)

// maxBodyBytes caps request bodies; archetype content is the largest payload.
const maxBodyBytes = 1 << 20

// Service is the engine surface the handlers depend on.
type Service interface {
	Ping(ctx context.Context) error

	SaveArchetype(ctx context.Context, kind store.ArchetypeKind, content json.RawMessage) (int64, error)
	ListArchetypes(ctx context.Context, kind store.ArchetypeKind) ([]store.Archetype, error)
	GetArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) (*store.Archetype, error)
	DeleteArchetype(ctx context.Context, kind store.ArchetypeKind, id int64) error

	Submit(ctx context.Context, buildID, taskID *int64) (*store.TaskInstance, error)
	GetInstance(ctx context.Context, id int64) (*store.TaskInstance, error)
	ListInstances(ctx context.Context, states []store.State) ([]store.TaskInstance, error)
	MoveRelative(ctx context.Context, id, anchorID int64, side store.Side) (*store.TaskInstance, error)
	MoveToIndex(ctx context.Context, id int64, index int) (*store.TaskInstance, error)
	Cancel(ctx context.Context, id int64) (*store.TaskInstance, error)
	Progress(ctx context.Context, id int64, completed int) (*store.TaskInstance, error)
	Rerun(ctx context.Context, id int64) (*store.TaskInstance, error)

	Claim(ctx context.Context, lease time.Duration) (*store.Claim, error)
	Heartbeat(ctx context.Context, id int64, lease time.Duration) error
	Release(ctx context.Context, id int64) error
}

// Subscriber hands out change signals for the websocket feed.
type Subscriber interface {
	Subscribe() (<-chan struct{}, func())
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	svc  Service
	feed Subscriber
	log  *slog.Logger
}

// New creates a new Handlers instance.
func New(svc Service, feed Subscriber, log *slog.Logger) *Handlers {
	return &Handlers{svc: svc, feed: feed, log: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message, code string, status int) {
	h.respondJson(w, status, api.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// fail maps an engine error onto its HTTP status and error code.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		h.httpError(w, err.Error(), api.CodeValidation, http.StatusBadRequest)
	case errors.Is(err, store.ErrInvalidReorder):
		h.httpError(w, err.Error(), api.CodeInvalidReorder, http.StatusBadRequest)
	case errors.Is(err, store.ErrInvalidArgument):
		h.httpError(w, err.Error(), api.CodeInvalidArgument, http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, err.Error(), api.CodeNotFound, http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		h.httpError(w, err.Error(), api.CodeInvalidTransition, http.StatusConflict)
	case errors.Is(err, store.ErrConflict):
		h.httpError(w, err.Error(), api.CodeConflict, http.StatusConflict)
	case errors.Is(err, store.ErrStorage):
		logger.FromContext(r.Context(), h.log).Error("storage failure", "path", r.URL.Path, "error", err)
		h.httpError(w, "Storage unavailable", api.CodeStorage, http.StatusInternalServerError)
	default:
		logger.FromContext(r.Context(), h.log).Error("unexpected error", "path", r.URL.Path, "error", err)
		h.httpError(w, "Internal server error", api.CodeInternal, http.StatusInternalServerError)
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathID parses the {id} wildcard as a positive integer.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

func toAPIArchetype(a store.Archetype) api.Archetype {
	return api.Archetype{ID: a.ID, Content: a.Content, CreatedAt: a.CreatedAt}
}

func toAPIInstance(inst *store.TaskInstance) api.TaskInstance {
	return api.TaskInstance{
		ID:                    inst.ID,
		BuildArchetypeID:      inst.BuildArchetypeID,
		TaskArchetypeID:       inst.TaskArchetypeID,
		NumJobsRemaining:      inst.NumJobsRemaining,
		State:                 string(inst.State),
		Position:              inst.Position,
		LeasedUntil:           inst.LeasedUntil,
		RerunOf:               inst.RerunOf,
		CreatedAt:             inst.CreatedAt,
		UpdatedAt:             inst.UpdatedAt,
		BuildArchetypeContent: inst.BuildArchetypeContent,
		TaskArchetypeContent:  inst.TaskArchetypeContent,
	}
}
