// -----------------------------------------------------------------------
// Service - Public surface of the job queue
// -----------------------------------------------------------------------

package jobs

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

// CreateJobRequest carries the caller-supplied fields of a new job
type CreateJobRequest struct {
	Type                string                 `json:"type"`
	Name                string                 `json:"name,omitempty"`
	Input               map[string]interface{} `json:"input,omitempty"`
	Priority            int                    `json:"priority"`
	SessionID           string                 `json:"sessionId,omitempty"`
	AgentID             string                 `json:"agentId,omitempty"`
	UserID              string                 `json:"userId,omitempty"`
	MaxAttempts         *int                   `json:"maxAttempts,omitempty"`
	EstimatedDurationMs int64                  `json:"estimatedDurationMs,omitempty"`
	CorrelationID       string                 `json:"correlationId,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// Service is the job queue facade: job CRUD, lifecycle operations, and
// handler registration, backed by the scheduler and executor.
type Service struct {
	store     interfaces.JobStorage
	logs      interfaces.JobLogStorage
	publisher *events.Publisher
	registry  *HandlerRegistry
	scheduler *Scheduler
	config    *common.QueueConfig
	logger    arbor.ILogger
}

// NewService wires the job queue from its storage and event dependencies
func NewService(storage interfaces.StorageManager, eventService interfaces.EventService, config *common.QueueConfig, logger arbor.ILogger) *Service {
	store := storage.JobStorage()
	logs := storage.JobLogStorage()
	publisher := events.NewPublisher(eventService, logger)
	registry := NewHandlerRegistry(logger)
	executor := NewExecutor(store, logs, publisher, registry, config, logger)
	scheduler := NewScheduler(store, executor, config, logger)

	return &Service{
		store:     store,
		logs:      logs,
		publisher: publisher,
		registry:  registry,
		scheduler: scheduler,
		config:    config,
		logger:    logger,
	}
}

// RegisterHandler installs a handler for a job type
func (s *Service) RegisterHandler(jobType string, handler interfaces.JobHandler) {
	s.registry.Register(jobType, handler)
}

// Start begins scheduling
func (s *Service) Start(ctx context.Context) error {
	return s.scheduler.Start(ctx)
}

// Shutdown stops admission and drains in-flight jobs
func (s *Service) Shutdown(ctx context.Context) error {
	return s.scheduler.Shutdown(ctx)
}

// CreateJob persists a new pending job and wakes the scheduler
func (s *Service) CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("job type is required")
	}
	if _, ok := s.registry.Get(req.Type); !ok {
		return nil, fmt.Errorf("no handler registered for job type: %s", req.Type)
	}

	maxAttempts := s.config.Retry.MaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = common.NewCorrelationID()
	}

	job := &models.Job{
		ID:                  common.NewJobID(),
		Type:                req.Type,
		Name:                req.Name,
		Priority:            req.Priority,
		SessionID:           req.SessionID,
		AgentID:             req.AgentID,
		UserID:              req.UserID,
		Status:              models.JobStatusPending,
		Input:               req.Input,
		Retry:               models.JobRetry{MaxAttempts: maxAttempts},
		CreatedAt:           time.Now(),
		EstimatedDurationMs: req.EstimatedDurationMs,
		CorrelationID:       correlationID,
		Metadata:            req.Metadata,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.publisher.PublishJobEvent(models.EventJobCreated, job)
	s.scheduler.Wake()

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Int("priority", job.Priority).
		Msg("Job created")
	return job, nil
}

// GetJob returns a job by id
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns a filtered, cursor-paginated job listing
func (s *Service) ListJobs(ctx context.Context, filter *interfaces.JobFilter) (*interfaces.JobPage, error) {
	return s.store.ListJobs(ctx, filter)
}

// GetLogs returns the most recent log entries for a job, oldest first
func (s *Service) GetLogs(ctx context.Context, jobID string, limit int) ([]*models.JobLog, error) {
	return s.logs.GetLogs(ctx, jobID, limit)
}

// CountByStatus returns the number of jobs in the given status
func (s *Service) CountByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	return s.store.CountByStatus(ctx, status)
}

// CancelJob requests cancellation of a job. Pending jobs cancel
// immediately; running jobs get a cooperative cancellation signal and
// finish at their next checkpoint. Cancelling a terminal job is an error.
func (s *Service) CancelJob(ctx context.Context, jobID, reason, by string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("cannot cancel job %s in terminal status %s", jobID, job.Status)
	}

	mark := &models.JobCancellation{RequestedAt: time.Now(), RequestedBy: by, Reason: reason}

	if job.Status == models.JobStatusPending || job.Status == models.JobStatusPaused {
		updated, err := s.store.Transition(ctx, jobID, func(j *models.Job) error {
			if j.IsTerminal() {
				return fmt.Errorf("cannot cancel job %s in terminal status %s", jobID, j.Status)
			}
			j.Cancellation = mark
			j.MarkCancelled(models.JobStatusCancelled)
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.publisher.PublishJobEvent(models.EventJobCancelled, updated)
		s.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("Job cancelled")
		return updated, nil
	}

	// Running: persist the mark so out-of-process observers see it, then
	// signal the in-flight token. The executor writes the terminal state.
	updated, err := s.store.Transition(ctx, jobID, func(j *models.Job) error {
		if j.Cancellation == nil {
			j.Cancellation = mark
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduler.CancelInFlight(jobID, reason, by)
	s.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("Job cancellation requested")
	return updated, nil
}

// RetryJob resets a terminal job back to pending for immediate
// re-admission. Retrying a non-terminal job is an error.
func (s *Service) RetryJob(ctx context.Context, jobID string) (*models.Job, error) {
	updated, err := s.store.Transition(ctx, jobID, func(j *models.Job) error {
		if !j.IsTerminal() {
			return fmt.Errorf("cannot retry job %s in non-terminal status %s", jobID, j.Status)
		}
		j.ResetForRetry()
		j.Retry.NextRetryAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduler.Wake()
	s.logger.Info().Str("job_id", jobID).Msg("Job queued for retry")
	return updated, nil
}

// PauseJob pauses a running job. The status flips to paused first, then
// the in-flight execution is signalled, so the executor can tell a pause
// apart from an abort.
func (s *Service) PauseJob(ctx context.Context, jobID, by string) (*models.Job, error) {
	updated, err := s.store.Transition(ctx, jobID, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return fmt.Errorf("cannot pause job %s in status %s", jobID, j.Status)
		}
		j.Status = models.JobStatusPaused
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.scheduler.CancelInFlight(jobID, ReasonPaused, by)
	s.logger.Info().Str("job_id", jobID).Msg("Job paused")
	return updated, nil
}

// ResumeJob returns a paused job to pending so the scheduler re-admits it.
// The handler restarts from its last checkpoint.
func (s *Service) ResumeJob(ctx context.Context, jobID string) (*models.Job, error) {
	updated, err := s.store.Transition(ctx, jobID, func(j *models.Job) error {
		if j.Status != models.JobStatusPaused {
			return fmt.Errorf("cannot resume job %s in status %s", jobID, j.Status)
		}
		j.Status = models.JobStatusPending
		j.StartedAt = nil
		j.Cancellation = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.PublishJobEvent(models.EventJobResumed, updated)
	s.scheduler.Wake()
	s.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	return updated, nil
}

// DeleteJob removes a terminal job and its logs
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("cannot delete job %s in non-terminal status %s", jobID, job.Status)
	}
	if err := s.logs.DeleteLogs(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to delete job logs")
	}
	return s.store.DeleteJob(ctx, jobID)
}
