package jobs

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/events"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// executionContext implements interfaces.ExecutionContext for one job
// execution. All write-through calls persist via the job store before
// emitting events.
type executionContext struct {
	ctx       context.Context
	job       *models.Job
	store     interfaces.JobStorage
	logs      interfaces.JobLogStorage
	publisher *events.Publisher
	token     *CancelToken
	logger    arbor.ILogger
}

func newExecutionContext(ctx context.Context, job *models.Job, store interfaces.JobStorage, logs interfaces.JobLogStorage, publisher *events.Publisher, token *CancelToken, logger arbor.ILogger) *executionContext {
	return &executionContext{
		ctx:       ctx,
		job:       job,
		store:     store,
		logs:      logs,
		publisher: publisher,
		token:     token,
		logger:    logger.WithCorrelationId(job.ID),
	}
}

func (ec *executionContext) Input() map[string]interface{} {
	return ec.job.Input
}

func (ec *executionContext) Job() *models.Job {
	snapshot := *ec.job
	return &snapshot
}

func (ec *executionContext) UpdateProgress(current, total int, message ...string) error {
	ec.job.Progress.SetProgress(current, total)
	if len(message) > 0 {
		ec.job.Progress.Message = message[0]
	}
	if err := ec.store.UpdateProgress(ec.ctx, ec.job.ID, ec.job.Progress); err != nil {
		return err
	}
	ec.publisher.PublishJobEvent(models.EventJobProgress, ec.Job())
	return nil
}

func (ec *executionContext) SetStage(stage string) error {
	ec.job.Progress.Stage = stage
	return ec.store.UpdateProgress(ec.ctx, ec.job.ID, ec.job.Progress)
}

func (ec *executionContext) Checkpoint(state map[string]interface{}) error {
	return ec.store.SaveCheckpoint(ec.ctx, ec.job.ID, state)
}

func (ec *executionContext) GetCheckpoint() (map[string]interface{}, error) {
	cp, err := ec.store.GetCheckpoint(ec.ctx, ec.job.ID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	return cp.State, nil
}

func (ec *executionContext) IsCancelled() bool {
	if ec.token.Cancelled() {
		return true
	}
	// The job row may carry a cancellation mark written by another process
	job, err := ec.store.GetJob(ec.ctx, ec.job.ID)
	if err != nil {
		return false
	}
	return job.CancelRequested()
}

func (ec *executionContext) CheckCancelled() error {
	if !ec.IsCancelled() {
		return nil
	}
	reason := ec.token.Reason()
	if reason == "" {
		if job, err := ec.store.GetJob(ec.ctx, ec.job.ID); err == nil && job.Cancellation != nil {
			reason = job.Cancellation.Reason
		}
	}
	return &CancelledError{Reason: reason}
}

func (ec *executionContext) Log(level models.LogLevel, message string, data map[string]interface{}) {
	entry := &models.JobLog{
		ID:        common.NewLogID(),
		JobID:     ec.job.ID,
		Level:     level,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := ec.logs.AppendLog(ec.ctx, entry); err != nil {
		ec.logger.Warn().Err(err).Msg("Failed to append job log")
	}

	switch level {
	case models.LogLevelDebug:
		ec.logger.Debug().Str("job_id", ec.job.ID).Msg(message)
	case models.LogLevelWarn:
		ec.logger.Warn().Str("job_id", ec.job.ID).Msg(message)
	case models.LogLevelError:
		ec.logger.Error().Str("job_id", ec.job.ID).Msg(message)
	default:
		ec.logger.Info().Str("job_id", ec.job.ID).Msg(message)
	}
}
