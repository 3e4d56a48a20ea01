package server

import (
	"net/http"

	"github.com/ternarybob/conductor/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	apiHandler := handlers.NewAPIHandler(s.app.Config, s.app.Logger)
	jobHandler := handlers.NewJobHandler(s.app.JobService, s.app.Logger)
	pipelineHandler := handlers.NewPipelineHandler(s.app.PipelineService, s.app.Logger)

	// WebSocket event stream
	mux.Handle("/ws", s.app.Broadcaster)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs/stats", jobHandler.GetJobStatsHandler)
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			jobHandler.ListJobsHandler(w, r)
		case http.MethodPost:
			jobHandler.CreateJobHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/jobs/", jobHandler.JobSubroute) // GET/DELETE /{id}, POST /{id}/{action}, GET /{id}/logs

	// API routes - Pipelines and runs
	mux.HandleFunc("/api/pipelines", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			pipelineHandler.ListPipelinesHandler(w, r)
		case http.MethodPost:
			pipelineHandler.CreatePipelineHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/pipelines/", pipelineHandler.PipelineSubroute) // /{id}, /{id}/run, /{id}/runs
	mux.HandleFunc("/api/runs/", pipelineHandler.RunSubroute)          // /{id}, /{id}/pause|resume|cancel, /{id}/approvals/{stepId}
	mux.HandleFunc("/api/approvals", pipelineHandler.ListApprovalsHandler)

	// API routes - System
	mux.HandleFunc("/api/version", apiHandler.VersionHandler)
	mux.HandleFunc("/api/health", apiHandler.HealthHandler)

	return mux
}
