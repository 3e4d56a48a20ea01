// -----------------------------------------------------------------------
// PipelineHandler - Pipeline and run API requests
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/ternarybob/conductor/internal/pipeline"
)

// PipelineHandler handles pipeline definition and run API requests
type PipelineHandler struct {
	pipelineService *pipeline.Service
	logger          arbor.ILogger
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(pipelineService *pipeline.Service, logger arbor.ILogger) *PipelineHandler {
	return &PipelineHandler{
		pipelineService: pipelineService,
		logger:          logger,
	}
}

// ListPipelinesHandler returns a cursor-paginated pipeline listing
// GET /api/pipelines?tags=a,b&enabled=true&owner=...&name=...&limit=50&cursor=...
func (h *PipelineHandler) ListPipelinesHandler(w http.ResponseWriter, r *http.Request) {
	filter := &interfaces.PipelineFilter{
		OwnerID:      r.URL.Query().Get("owner"),
		NameContains: r.URL.Query().Get("name"),
		Limit:        queryInt(r, "limit", 50),
		Cursor:       r.URL.Query().Get("cursor"),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if enabled := r.URL.Query().Get("enabled"); enabled != "" {
		value := enabled == "true"
		filter.Enabled = &value
	}

	page, err := h.pipelineService.ListPipelines(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list pipelines")
		writeError(w, http.StatusInternalServerError, "Failed to list pipelines")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines":  page.Pipelines,
		"nextCursor": page.NextCursor,
	})
}

// CreatePipelineHandler creates a new pipeline
// POST /api/pipelines
func (h *PipelineHandler) CreatePipelineHandler(w http.ResponseWriter, r *http.Request) {
	var p models.Pipeline
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.pipelineService.CreatePipeline(r.Context(), &p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetPipelineHandler returns a pipeline by id
func (h *PipelineHandler) GetPipelineHandler(w http.ResponseWriter, r *http.Request, id string) {
	p, err := h.pipelineService.GetPipeline(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Pipeline not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePipelineHandler updates a pipeline and bumps its version
func (h *PipelineHandler) UpdatePipelineHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req pipeline.UpdatePipelineRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.pipelineService.UpdatePipeline(r.Context(), id, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeletePipelineHandler removes a pipeline and its runs
func (h *PipelineHandler) DeletePipelineHandler(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.pipelineService.DeletePipeline(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RunPipelineHandler starts a run
// POST /api/pipelines/{id}/run
func (h *PipelineHandler) RunPipelineHandler(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Params map[string]interface{} `json:"params"`
		UserID string                 `json:"userId"`
	}
	_ = decodeBody(r, &body)

	triggeredBy := models.TriggeredBy{Type: models.TriggerSourceAPI}
	if body.UserID != "" {
		triggeredBy = models.TriggeredBy{Type: models.TriggerSourceUser, ID: body.UserID}
	}

	run, err := h.pipelineService.RunPipeline(r.Context(), id, triggeredBy, body.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// ListRunsHandler returns the most recent runs of a pipeline
// GET /api/pipelines/{id}/runs?limit=20
func (h *PipelineHandler) ListRunsHandler(w http.ResponseWriter, r *http.Request, id string) {
	runs, err := h.pipelineService.ListRuns(r.Context(), id, queryInt(r, "limit", 20))
	if err != nil {
		h.logger.Error().Err(err).Str("pipeline_id", id).Msg("Failed to list runs")
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRunHandler returns a run by id
// GET /api/runs/{id}
func (h *PipelineHandler) GetRunHandler(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.pipelineService.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// PauseRunHandler pauses an active run
func (h *PipelineHandler) PauseRunHandler(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.pipelineService.PauseRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ResumeRunHandler resumes a paused run
func (h *PipelineHandler) ResumeRunHandler(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.pipelineService.ResumeRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRunHandler cancels a run
func (h *PipelineHandler) CancelRunHandler(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.pipelineService.CancelRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// SubmitApprovalHandler records an approval decision
// POST /api/runs/{id}/approvals/{stepId}
func (h *PipelineHandler) SubmitApprovalHandler(w http.ResponseWriter, r *http.Request, runID, stepID string) {
	var body struct {
		UserID   string `json:"userId"`
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	err := h.pipelineService.SubmitApproval(runID, stepID, models.StepApproval{
		UserID:    body.UserID,
		Decision:  body.Decision,
		Comment:   body.Comment,
		Timestamp: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ListApprovalsHandler lists pending approvals, optionally for one run
// GET /api/approvals?run=run_...
func (h *PipelineHandler) ListApprovalsHandler(w http.ResponseWriter, r *http.Request) {
	approvals := h.pipelineService.PendingApprovals(r.URL.Query().Get("run"))
	if approvals == nil {
		approvals = []*pipeline.PendingApprovalInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": approvals})
}

// PipelineSubroute dispatches /api/pipelines/{id} and its subpaths
func (h *PipelineHandler) PipelineSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/pipelines/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "Pipeline id is required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.GetPipelineHandler(w, r, id)
	case action == "" && r.Method == http.MethodPut:
		h.UpdatePipelineHandler(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		h.DeletePipelineHandler(w, r, id)
	case action == "run" && r.Method == http.MethodPost:
		h.RunPipelineHandler(w, r, id)
	case action == "runs" && r.Method == http.MethodGet:
		h.ListRunsHandler(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// RunSubroute dispatches /api/runs/{id} and its subpaths
func (h *PipelineHandler) RunSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.SplitN(rest, "/", 3)
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, "Run id is required")
		return
	}

	action := ""
	if len(parts) >= 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.GetRunHandler(w, r, runID)
	case action == "pause" && r.Method == http.MethodPost:
		h.PauseRunHandler(w, r, runID)
	case action == "resume" && r.Method == http.MethodPost:
		h.ResumeRunHandler(w, r, runID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.CancelRunHandler(w, r, runID)
	case action == "approvals" && len(parts) == 3 && r.Method == http.MethodPost:
		h.SubmitApprovalHandler(w, r, runID, parts[2])
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
