package handlers

import (
	"net/http"
	"time"

	"taskqueue/internal/logger"
	"taskqueue/pkg/api"
)

// ---------------------------------------------------------
// Internal Worker Endpoints
// These are called by the worker agent, never by end users.
// ---------------------------------------------------------

// defaultLease applies when a worker does not ask for a lease length.
const defaultLease = 5 * time.Minute

func leaseFor(seconds int) time.Duration {
	if seconds == 0 {
		return defaultLease
	}
	return time.Duration(seconds) * time.Second
}

// InternalClaim handles POST /internal/queue/claim.
// It leases the first unleased pending instance, or answers 204 when there is none.
func (h *Handlers) InternalClaim(w http.ResponseWriter, r *http.Request) {
	var req api.ClaimRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, "Invalid body", api.CodeValidation, http.StatusBadRequest)
		return
	}

	claim, err := h.svc.Claim(r.Context(), leaseFor(req.LeaseSeconds))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if claim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	logger.FromContext(r.Context(), h.log).Debug("task instance claimed",
		"id", claim.Instance.ID, "job_index", claim.JobIndex, "worker_id", req.WorkerID)
	h.respondJson(w, http.StatusOK, api.ClaimResponse{
		Instance: toAPIInstance(&claim.Instance),
		JobIndex: claim.JobIndex,
	})
}

// InternalHeartbeat handles PUT /internal/task_instances/{id}/heartbeat.
// The worker calls this to say "I'm still working on it, don't give it to anyone else."
func (h *Handlers) InternalHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.httpError(w, "Invalid task instance id", api.CodeValidation, http.StatusBadRequest)
		return
	}

	var req api.HeartbeatRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, "Invalid body", api.CodeValidation, http.StatusBadRequest)
		return
	}

	if err := h.svc.Heartbeat(r.Context(), id, leaseFor(req.LeaseSeconds)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// InternalRelease handles PUT /internal/task_instances/{id}/release.
// The worker gives the instance back after a failed job so it can be claimed again.
func (h *Handlers) InternalRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.httpError(w, "Invalid task instance id", api.CodeValidation, http.StatusBadRequest)
		return
	}

	if err := h.svc.Release(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// InternalProgress handles PUT /internal/task_instances/{id}/progress.
// The worker reports finished jobs; the last one moves the instance to done.
func (h *Handlers) InternalProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.httpError(w, "Invalid task instance id", api.CodeValidation, http.StatusBadRequest)
		return
	}

	var req api.ProgressRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, "Invalid body", api.CodeValidation, http.StatusBadRequest)
		return
	}

	inst, err := h.svc.Progress(r.Context(), id, req.CompletedJobs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toAPIInstance(inst))
}
