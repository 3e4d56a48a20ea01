// -----------------------------------------------------------------------
// Service - Pipeline CRUD and run operations
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/events"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// UpdatePipelineRequest carries the replaceable fields of a pipeline.
// Nil fields are left unchanged; any change bumps the version.
type UpdatePipelineRequest struct {
	Name            *string                 `json:"name,omitempty"`
	Description     *string                 `json:"description,omitempty"`
	Enabled         *bool                   `json:"enabled,omitempty"`
	Trigger         *models.Trigger         `json:"trigger,omitempty"`
	Steps           []models.Step           `json:"steps,omitempty"`
	ContextDefaults *map[string]interface{} `json:"contextDefaults,omitempty"`
	RetryPolicy     *models.RetryPolicy     `json:"retryPolicy,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
}

// Service is the pipeline facade: definition CRUD plus run operations
// delegated to the engine.
type Service struct {
	store  interfaces.PipelineStorage
	engine *Engine
	logger arbor.ILogger
}

// NewService wires the pipeline service and its engine
func NewService(storage interfaces.StorageManager, eventService interfaces.EventService, agents interfaces.AgentService, config *common.Config, logger arbor.ILogger) *Service {
	store := storage.PipelineStorage()
	publisher := events.NewPublisher(eventService, logger)
	engine := NewEngine(store, publisher, agents, config, logger)
	return &Service{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// Engine exposes the underlying engine for callers that need run handles
func (s *Service) Engine() *Engine {
	return s.engine
}

// CreatePipeline validates and persists a new pipeline at version 1
func (s *Service) CreatePipeline(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	if p.ID == "" {
		p.ID = common.NewPipelineID()
	}
	p.Version = 1
	p.Stats = models.PipelineStats{}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	if existing, err := s.store.GetPipeline(ctx, p.ID); err == nil && existing != nil {
		return nil, fmt.Errorf("pipeline %s already exists", p.ID)
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	s.logger.Info().
		Str("pipeline_id", p.ID).
		Str("name", p.Name).
		Int("steps", len(p.Steps)).
		Msg("Pipeline created")
	return p, nil
}

// UpdatePipeline replaces the allowed fields and bumps the version.
// In-flight runs keep the step copies they started with.
func (s *Service) UpdatePipeline(ctx context.Context, id string, req *UpdatePipelineRequest) (*models.Pipeline, error) {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.Trigger != nil {
		p.Trigger = *req.Trigger
	}
	if req.Steps != nil {
		p.Steps = req.Steps
	}
	if req.ContextDefaults != nil {
		p.ContextDefaults = *req.ContextDefaults
	}
	if req.RetryPolicy != nil {
		p.RetryPolicy = req.RetryPolicy
	}
	if req.Tags != nil {
		p.Tags = req.Tags
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	p.Version++
	p.UpdatedAt = time.Now()
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	s.logger.Info().
		Str("pipeline_id", p.ID).
		Int("version", p.Version).
		Msg("Pipeline updated")
	return p, nil
}

// GetPipeline returns a pipeline by id
func (s *Service) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	return s.store.GetPipeline(ctx, id)
}

// ListPipelines returns a filtered, cursor-paginated pipeline listing
func (s *Service) ListPipelines(ctx context.Context, filter *interfaces.PipelineFilter) (*interfaces.PipelinePage, error) {
	return s.store.ListPipelines(ctx, filter)
}

// DeletePipeline removes a pipeline and its run history
func (s *Service) DeletePipeline(ctx context.Context, id string) error {
	if err := s.store.DeleteRuns(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("pipeline_id", id).Msg("Failed to delete pipeline runs")
	}
	if err := s.store.DeletePipeline(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("pipeline_id", id).Msg("Pipeline deleted")
	return nil
}

// RunPipeline starts a run of the given pipeline
func (s *Service) RunPipeline(ctx context.Context, id string, triggeredBy models.TriggeredBy, params map[string]interface{}) (*models.PipelineRun, error) {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.engine.StartRun(ctx, p, triggeredBy, params)
}

// GetRun returns a run by id
func (s *Service) GetRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns the most recent runs of a pipeline, newest first
func (s *Service) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*models.PipelineRun, error) {
	return s.store.ListRuns(ctx, pipelineID, limit)
}

// PauseRun pauses an active run
func (s *Service) PauseRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	return s.engine.PauseRun(ctx, runID)
}

// ResumeRun resumes a paused run
func (s *Service) ResumeRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	return s.engine.ResumeRun(ctx, runID)
}

// CancelRun cancels a run
func (s *Service) CancelRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	return s.engine.CancelRun(ctx, runID)
}

// SubmitApproval records an approval decision for a waiting step
func (s *Service) SubmitApproval(runID, stepID string, approval models.StepApproval) error {
	return s.engine.SubmitApproval(runID, stepID, approval)
}

// PendingApprovals lists open approvals, optionally scoped to one run
func (s *Service) PendingApprovals(runID string) []*PendingApprovalInfo {
	return s.engine.PendingApprovals(runID)
}

// Shutdown cancels active runs and waits for them to stop
func (s *Service) Shutdown(ctx context.Context) error {
	return s.engine.Shutdown(ctx)
}
