package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
)

type JobsHandler struct {
	jobs *jobs.Store
}

func NewJobsHandler(js *jobs.Store) *JobsHandler {
	return &JobsHandler{jobs: js}
}

func parseJobStatus(s string) (jobs.Status, error) {
	switch st := jobs.Status(s); st {
	case "", jobs.StatusIdle, jobs.StatusRunning, jobs.StatusDone, jobs.StatusError:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown job status %q", errInvalidRequest, s)
}

// ListJobs returns all job snapshots, optionally filtered by kind, key and status.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var f jobs.Filter
	if v, ok := QueryString(r, "kind"); ok {
		f.Kind = jobs.Kind(v)
		if !f.Kind.Valid() {
			WriteErrorDetail(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown job kind %q", v))
			return
		}
	}
	f.Key, _ = QueryString(r, "key")
	st, err := parseJobStatus(r.URL.Query().Get("status"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	f.Status = st

	recs := h.jobs.List(f)
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  recs,
		"total": len(recs),
	})
}

// GetJob returns one job snapshot. Keys that never ran report idle.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	kind := jobs.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		WriteErrorDetail(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown job kind %q", kind))
		return
	}
	WriteJSON(w, http.StatusOK, h.jobs.Snapshot(kind, chi.URLParam(r, "key")))
}

// Routes registers job routes on the given router.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{kind}/{key}", h.GetJob)
}
