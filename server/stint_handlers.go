package server

import (
	"net/http"

	"github.com/plumehq/plume/stint"
)

const (
	// Default and max limits for listing queries
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListJobsResponse is the payload for GET /api/v1/stints/jobs.
type ListJobsResponse struct {
	Jobs  []*stint.Job `json:"jobs"`
	Count int          `json:"count"`
}

// ListRunsResponse is the payload for GET /api/v1/stints/runs.
type ListRunsResponse struct {
	Runs    []*stint.Run `json:"runs"`
	Count   int          `json:"count"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
}

// HandleTrigger invokes one stint.
// POST /api/v1/stints/trigger {workspace_id, stage, job_id?, resume_cursor?, sleep_before_start_ms?}
//
// The call blocks for the invocation: the response carries what this
// stint actually did, which is what CLI callers and tests want. Relays
// continue in the background afterwards.
func (s *PlumeServer) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req stint.TriggerRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	s.logger.Infow("Trigger request",
		"workspace_id", req.WorkspaceID,
		"stage", req.Stage,
		"job_id", req.JobID,
		"remote", r.RemoteAddr,
	)

	result, err := s.engine.Invoke(r.Context(), &req)
	if err != nil {
		s.logger.Warnw("Trigger failed",
			"workspace_id", req.WorkspaceID,
			"stage", req.Stage,
			"error", err,
		)
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleJobs lists stint jobs.
// GET /api/v1/stints/jobs?workspace=&stage=&status=&limit=
func (s *PlumeServer) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	workspaceID := r.URL.Query().Get("workspace")
	stage := r.URL.Query().Get("stage")
	status := stint.Status(r.URL.Query().Get("status"))
	limit := parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit)

	if status != "" && !stint.IsValidStatus(status) {
		writeError(w, http.StatusBadRequest, "Invalid status: "+string(status))
		return
	}

	jobs, err := s.engine.Store().ListJobs(r.Context(), workspaceID, stage, status, limit)
	if err != nil {
		s.logger.Errorw("Failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleJob fetches one job.
// GET /api/v1/stints/jobs/{id}
func (s *PlumeServer) HandleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/v1/stints/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := parts[0]

	job, err := s.engine.Store().GetJob(r.Context(), jobID)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Errorw("Failed to get job", "job_id", jobID, "error", err)
		writeError(w, status, "Failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleRuns lists invocation history, newest first.
// GET /api/v1/stints/runs?workspace=&stage=&limit=&offset=
func (s *PlumeServer) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	workspaceID := r.URL.Query().Get("workspace")
	stage := r.URL.Query().Get("stage")
	limit := parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit)
	offset := parseIntQueryParam(r, "offset", 0, 0, 1000000)

	runs, total, err := s.engine.Runs().ListRuns(r.Context(), workspaceID, stage, limit, offset)
	if err != nil {
		s.logger.Errorw("Failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	writeJSON(w, http.StatusOK, ListRunsResponse{
		Runs:    runs,
		Count:   len(runs),
		Total:   total,
		HasMore: offset+len(runs) < total,
	})
}
