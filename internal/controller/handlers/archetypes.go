package handlers

import (
	"net/http"

	"taskqueue/internal/store"
	"taskqueue/pkg/api"
)

// CreateArchetype handles POST /{kind}_archetypes.
// Every call stores a new immutable version, even for identical content.
func (h *Handlers) CreateArchetype(kind store.ArchetypeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateArchetypeRequest
		if err := decode(w, r, &req); err != nil {
			h.httpError(w, "Invalid request body", api.CodeValidation, http.StatusBadRequest)
			return
		}

		id, err := h.svc.SaveArchetype(r.Context(), kind, req.Content)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.respondJson(w, http.StatusCreated, api.CreateArchetypeResponse{ID: id})
	}
}

// ListArchetypes handles GET /{kind}_archetypes, most recent last.
func (h *Handlers) ListArchetypes(kind store.ArchetypeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := h.svc.ListArchetypes(r.Context(), kind)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		resp := make([]api.Archetype, len(list))
		for i, a := range list {
			resp[i] = toAPIArchetype(a)
		}
		h.respondJson(w, http.StatusOK, resp)
	}
}

// GetArchetype handles GET /{kind}_archetypes/{id}.
func (h *Handlers) GetArchetype(kind store.ArchetypeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			h.httpError(w, "Invalid archetype id", api.CodeValidation, http.StatusBadRequest)
			return
		}

		a, err := h.svc.GetArchetype(r.Context(), kind, id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.respondJson(w, http.StatusOK, toAPIArchetype(*a))
	}
}

// DeleteArchetype handles DELETE /{kind}_archetypes/{id}.
// Versions referenced by any task instance are kept and yield 409.
func (h *Handlers) DeleteArchetype(kind store.ArchetypeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			h.httpError(w, "Invalid archetype id", api.CodeValidation, http.StatusBadRequest)
			return
		}

		if err := h.svc.DeleteArchetype(r.Context(), kind, id); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
