// -----------------------------------------------------------------------
// Executor - Runs a single job under its registered handler
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/events"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// Executor drives one job through
// pending -> running -> {completed | failed | cancelled | timeout},
// with failed retryable jobs returning to pending on a backoff schedule.
type Executor struct {
	store     interfaces.JobStorage
	logs      interfaces.JobLogStorage
	publisher *events.Publisher
	registry  *HandlerRegistry
	config    *common.QueueConfig
	logger    arbor.ILogger
}

// NewExecutor creates a job executor
func NewExecutor(store interfaces.JobStorage, logs interfaces.JobLogStorage, publisher *events.Publisher, registry *HandlerRegistry, config *common.QueueConfig, logger arbor.ILogger) *Executor {
	return &Executor{
		store:     store,
		logs:      logs,
		publisher: publisher,
		registry:  registry,
		config:    config,
		logger:    logger,
	}
}

// timeoutFor resolves the execution deadline for a job type
func (e *Executor) timeoutFor(jobType string) time.Duration {
	if ms, ok := e.config.Timeouts.PerTypeMs[jobType]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if e.config.Timeouts.DefaultMs > 0 {
		return time.Duration(e.config.Timeouts.DefaultMs) * time.Millisecond
	}
	return 0
}

// Execute runs a single job to a terminal state (or back to pending when a
// retry is scheduled). Errors from the handler never escape; they are
// classified and recorded so one poor handler cannot stop the scheduler.
func (e *Executor) Execute(ctx context.Context, job *models.Job, token *CancelToken) {
	logger := e.logger.WithCorrelationId(job.ID)

	handler, ok := e.registry.Get(job.Type)
	if !ok {
		e.failTerminal(ctx, job, &models.JobError{
			Code:      CodeNoHandler,
			Message:   "no handler registered for job type: " + job.Type,
			Retryable: false,
		})
		return
	}

	if vr := handler.Validate(job.Input); !vr.Valid {
		e.failTerminal(ctx, job, &models.JobError{
			Code:      CodeValidation,
			Message:   strings.Join(vr.Errors, "; "),
			Retryable: false,
		})
		return
	}

	updated, err := e.store.Transition(ctx, job.ID, func(j *models.Job) error {
		j.MarkStarted()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to transition job to running")
		return
	}
	*job = *updated
	e.publisher.PublishJobEvent(models.EventJobStarted, job)

	// Timeout is a scheduled cancellation the handler observes at its next
	// cooperative checkpoint
	if timeout := e.timeoutFor(job.Type); timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			token.Cancel(ReasonTimeout, "system")
		})
		defer timer.Stop()
	}

	ec := newExecutionContext(ctx, job, e.store, e.logs, e.publisher, token, e.logger)

	started := time.Now()
	output, execErr := e.runHandler(ctx, handler, ec, logger)

	if token.Cancelled() || IsCancelled(execErr) {
		e.finishCancelled(ctx, job, token, handler, ec, logger)
		return
	}

	if execErr != nil {
		e.finishFailed(ctx, job, execErr, logger)
		return
	}

	updated, err = e.store.Transition(ctx, job.ID, func(j *models.Job) error {
		j.MarkCompleted(output)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist job completion")
		return
	}
	*job = *updated
	e.publisher.PublishJobCompleted(job, time.Since(started).Milliseconds())

	logger.Info().
		Str("job_type", job.Type).
		Int64("duration_ms", job.ActualDurationMs).
		Msg("Job completed")
}

// runHandler invokes handler.Execute, converting panics into errors
func (e *Executor) runHandler(ctx context.Context, handler interfaces.JobHandler, ec *executionContext, logger arbor.ILogger) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Job handler panicked")
			err = &models.JobError{
				Code:      CodeExecution,
				Message:   "handler panic",
				Retryable: true,
			}
		}
	}()
	return handler.Execute(ctx, ec)
}

// finishCancelled resolves a cancelled execution into paused, timeout, or
// cancelled depending on the token reason
func (e *Executor) finishCancelled(ctx context.Context, job *models.Job, token *CancelToken, handler interfaces.JobHandler, ec *executionContext, logger arbor.ILogger) {
	reason := token.Reason()

	if ca, ok := handler.(interfaces.CancelAware); ok && reason != ReasonPaused {
		if err := ca.OnCancel(ctx, ec); err != nil {
			logger.Warn().Err(err).Msg("Handler onCancel failed")
		}
	}

	switch reason {
	case ReasonPaused:
		// Status was already set to paused before the token was signalled;
		// nothing to overwrite here.
		if pa, ok := handler.(interfaces.PauseAware); ok {
			if err := pa.OnPause(ctx, ec); err != nil {
				logger.Warn().Err(err).Msg("Handler onPause failed")
			}
		}
		e.publisher.PublishJobEvent(models.EventJobPaused, ec.Job())
		logger.Info().Msg("Job paused")

	case ReasonTimeout:
		updated, err := e.store.Transition(ctx, job.ID, func(j *models.Job) error {
			j.MarkCancelled(models.JobStatusTimeout)
			j.Error = &models.JobError{Code: CodeTimeout, Message: "job execution timed out", Retryable: true}
			if j.Cancellation == nil {
				j.Cancellation = &models.JobCancellation{RequestedAt: time.Now(), RequestedBy: "system", Reason: ReasonTimeout}
			}
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to persist job timeout")
			return
		}
		*job = *updated
		e.publisher.PublishJobEvent(models.EventJobCancelled, job)
		logger.Warn().Str("job_type", job.Type).Msg("Job timed out")

	default:
		updated, err := e.store.Transition(ctx, job.ID, func(j *models.Job) error {
			j.MarkCancelled(models.JobStatusCancelled)
			if j.Cancellation == nil {
				j.Cancellation = &models.JobCancellation{RequestedAt: time.Now(), RequestedBy: token.By(), Reason: reason}
			}
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to persist job cancellation")
			return
		}
		*job = *updated
		e.publisher.PublishJobEvent(models.EventJobCancelled, job)
		logger.Info().Str("reason", reason).Msg("Job cancelled")
	}
}

// finishFailed classifies the error and either schedules a retry or marks
// the job failed
func (e *Executor) finishFailed(ctx context.Context, job *models.Job, execErr error, logger arbor.ILogger) {
	jobErr := classify(execErr, job.Retry.Attempts, job.Retry.MaxAttempts)

	if jobErr.Retryable {
		backoff := backoffFor(job.Retry.Attempts, e.config.Retry)
		nextRetryAt := time.Now().Add(backoff)

		updated, err := e.store.Transition(ctx, job.ID, func(j *models.Job) error {
			j.Status = models.JobStatusPending
			j.Error = jobErr
			j.Retry.Attempts++
			j.Retry.BackoffMs = backoff.Milliseconds()
			j.Retry.NextRetryAt = &nextRetryAt
			j.StartedAt = nil
			j.Progress.Message = "Retry scheduled"
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to schedule job retry")
			return
		}
		*job = *updated
		e.publisher.PublishJobFailed(job, true, &nextRetryAt)

		logger.Warn().
			Str("error", jobErr.Message).
			Int("attempts", job.Retry.Attempts).
			Int64("backoff_ms", backoff.Milliseconds()).
			Msg("Job failed, retry scheduled")
		return
	}

	e.failTerminal(ctx, job, jobErr)
}

// failTerminal marks the job failed with no retry
func (e *Executor) failTerminal(ctx context.Context, job *models.Job, jobErr *models.JobError) {
	updated, err := e.store.Transition(ctx, job.ID, func(j *models.Job) error {
		j.MarkFailed(jobErr)
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist job failure")
		return
	}
	*job = *updated
	e.publisher.PublishJobFailed(job, false, nil)

	e.logger.Warn().
		Str("job_id", job.ID).
		Str("code", jobErr.Code).
		Str("error", jobErr.Message).
		Msg("Job failed")
}
