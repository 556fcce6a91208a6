package handlers

import (
	"net/http"
	"strings"

	"taskqueue/internal/store"
	"taskqueue/pkg/api"
)

// SubmitTaskInstance handles POST /task_instances.
// The new instance is pending at the tail of the queue.
func (h *Handlers) SubmitTaskInstance(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitTaskRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, "Invalid request body", api.CodeValidation, http.StatusBadRequest)
		return
	}

	inst, err := h.svc.Submit(r.Context(), req.BuildArchetypeID, req.TaskArchetypeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toAPIInstance(inst))
}

// ListTaskInstances handles GET /task_instances?state=pending or ?state=done,cancelled.
func (h *Handlers) ListTaskInstances(w http.ResponseWriter, r *http.Request) {
	var states []store.State
	for _, param := range r.URL.Query()["state"] {
		for _, name := range strings.Split(param, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			st, err := store.ParseState(name)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			states = append(states, st)
		}
	}

	list, err := h.svc.ListInstances(r.Context(), states)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]api.TaskInstance, len(list))
	for i := range list {
		resp[i] = toAPIInstance(&list[i])
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetTaskInstance handles GET /task_instances/{id}.
func (h *Handlers) GetTaskInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.httpError(w, "Invalid task instance id", api.CodeValidation, http.StatusBadRequest)
		return
	}

	inst, err := h.svc.GetInstance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toAPIInstance(inst))
}

// UpdateTaskInstance handles PUT /task_instances/{id}.
// The body carries exactly one of reorder, position, state or completed_jobs.
func (h *Handlers) UpdateTaskInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		h.httpError(w, "Invalid task instance id", api.CodeValidation, http.StatusBadRequest)
		return
	}

	var req api.UpdateTaskInstanceRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, "Invalid request body", api.CodeValidation, http.StatusBadRequest)
		return
	}

	set := 0
	for _, present := range []bool{req.Reorder != nil, req.Position != nil, req.State != nil, req.CompletedJobs != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		h.httpError(w, "Exactly one of reorder, position, state or completed_jobs is required",
			api.CodeValidation, http.StatusBadRequest)
		return
	}

	var inst *store.TaskInstance
	switch {
	case req.Reorder != nil:
		side, perr := store.ParseSide(req.Reorder.Move)
		if perr != nil {
			h.fail(w, r, perr)
			return
		}
		inst, err = h.svc.MoveRelative(ctx, id, req.Reorder.RelativeTo, side)

	case req.Position != nil:
		inst, err = h.svc.MoveToIndex(ctx, id, *req.Position)

	case req.State != nil:
		if store.State(*req.State) != store.StateCancelled {
			h.httpError(w, "Only state \"cancelled\" can be requested", api.CodeValidation, http.StatusBadRequest)
			return
		}
		inst, err = h.svc.Cancel(ctx, id)

	case req.CompletedJobs != nil:
		inst, err = h.svc.Progress(ctx, id, *req.CompletedJobs)
	}

	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toAPIInstance(inst))
}

// RerunTaskInstance handles POST /task_instances/{id}/rerun.
// It clones a done or cancelled instance into a new pending one.
func (h *Handlers) RerunTaskInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.httpError(w, "Invalid task instance id", api.CodeValidation, http.StatusBadRequest)
		return
	}

	inst, err := h.svc.Rerun(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusCreated, toAPIInstance(inst))
}
