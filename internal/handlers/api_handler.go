package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
)

// APIHandler handles system-level API requests
type APIHandler struct {
	config  *common.Config
	logger  arbor.ILogger
	started time.Time
}

// NewAPIHandler creates a new system API handler
func NewAPIHandler(config *common.Config, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		config:  config,
		logger:  logger,
		started: time.Now(),
	}
}

// HealthHandler reports service liveness
// GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"environment":   h.config.Environment,
		"uptimeSeconds": int(time.Since(h.started).Seconds()),
	})
}

// VersionHandler reports build metadata
// GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.Version,
		"build":   common.Build,
	})
}
