// -----------------------------------------------------------------------
// JobHandler - Job queue API requests
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/jobs"
	"github.com/ternarybob/conductor/internal/models"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	jobService *jobs.Service
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *jobs.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		logger:     logger,
	}
}

// ListJobsHandler returns a cursor-paginated list of jobs
// GET /api/jobs?limit=50&cursor=...&status=completed&type=pipeline&session=...
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	filter := &interfaces.JobFilter{
		Type:      r.URL.Query().Get("type"),
		Status:    models.JobStatus(r.URL.Query().Get("status")),
		SessionID: r.URL.Query().Get("session"),
		AgentID:   r.URL.Query().Get("agent"),
		Limit:     queryInt(r, "limit", 50),
		Cursor:    r.URL.Query().Get("cursor"),
	}

	page, err := h.jobService.ListJobs(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":       page.Jobs,
		"nextCursor": page.NextCursor,
	})
}

// CreateJobHandler enqueues a new job
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.jobService.CreateJob(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// GetJobHandler returns a single job by id
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobLogsHandler returns the most recent log entries of a job
// GET /api/jobs/{id}/logs?limit=100
func (h *JobHandler) GetJobLogsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	logs, err := h.jobService.GetLogs(r.Context(), jobID, queryInt(r, "limit", 100))
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job logs")
		writeError(w, http.StatusInternalServerError, "Failed to get job logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// CancelJobHandler requests cancellation of a job
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	var body struct {
		Reason string `json:"reason"`
		By     string `json:"by"`
	}
	_ = decodeBody(r, &body)
	if body.By == "" {
		body.By = "api"
	}

	job, err := h.jobService.CancelJob(r.Context(), jobID, body.Reason, body.By)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RetryJobHandler re-queues a terminal job
// POST /api/jobs/{id}/retry
func (h *JobHandler) RetryJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobService.RetryJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// PauseJobHandler pauses a running job
// POST /api/jobs/{id}/pause
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobService.PauseJob(r.Context(), jobID, "api")
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ResumeJobHandler resumes a paused job
// POST /api/jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobService.ResumeJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJobHandler deletes a terminal job
// DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.jobService.DeleteJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetJobStatsHandler returns job counts by status
// GET /api/jobs/stats
func (h *JobHandler) GetJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]int)
	for _, status := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusRunning, models.JobStatusPaused,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
		models.JobStatusTimeout,
	} {
		count, err := h.jobService.CountByStatus(r.Context(), status)
		if err != nil {
			h.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to count jobs")
			continue
		}
		stats[string(status)] = count
	}
	writeJSON(w, http.StatusOK, stats)
}

// JobSubroute dispatches /api/jobs/{id} and its action subpaths
func (h *JobHandler) JobSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job id is required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.GetJobHandler(w, r, jobID)
	case action == "" && r.Method == http.MethodDelete:
		h.DeleteJobHandler(w, r, jobID)
	case action == "logs" && r.Method == http.MethodGet:
		h.GetJobLogsHandler(w, r, jobID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.CancelJobHandler(w, r, jobID)
	case action == "retry" && r.Method == http.MethodPost:
		h.RetryJobHandler(w, r, jobID)
	case action == "pause" && r.Method == http.MethodPost:
		h.PauseJobHandler(w, r, jobID)
	case action == "resume" && r.Method == http.MethodPost:
		h.ResumeJobHandler(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
