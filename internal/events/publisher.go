// -----------------------------------------------------------------------
// Publisher - Normalizes lifecycle events and routes them to channels
// -----------------------------------------------------------------------

package events

import (
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// Publisher normalizes job and pipeline lifecycle events and publishes
// them to the topic channels consumers subscribe to. Publishing is
// best-effort; the store remains the source of truth.
type Publisher struct {
	bus    interfaces.EventService
	logger arbor.ILogger
}

// NewPublisher creates a new event publisher
func NewPublisher(bus interfaces.EventService, logger arbor.ILogger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger,
	}
}

// jobEventPayload is the wire shape of a job lifecycle event
type jobEventPayload struct {
	Job         *models.Job `json:"job"`
	Timestamp   time.Time   `json:"timestamp"`
	DurationMs  int64       `json:"durationMs,omitempty"`
	WillRetry   bool        `json:"willRetry,omitempty"`
	NextRetryAt *time.Time  `json:"nextRetryAt,omitempty"`
}

// PublishJobEvent emits a job lifecycle event to system:jobs and, when the
// job carries a session id, to the per-session channel.
func (p *Publisher) PublishJobEvent(eventType string, job *models.Job) {
	p.publishJob(eventType, job, 0, false, nil)
}

// PublishJobCompleted emits job.completed with the execution duration
func (p *Publisher) PublishJobCompleted(job *models.Job, durationMs int64) {
	p.publishJob(models.EventJobCompleted, job, durationMs, false, nil)
}

// PublishJobFailed emits job.failed, flagging whether a retry is scheduled
func (p *Publisher) PublishJobFailed(job *models.Job, willRetry bool, nextRetryAt *time.Time) {
	p.publishJob(models.EventJobFailed, job, 0, willRetry, nextRetryAt)
}

func (p *Publisher) publishJob(eventType string, job *models.Job, durationMs int64, willRetry bool, nextRetryAt *time.Time) {
	event := models.Event{
		Type: eventType,
		Payload: jobEventPayload{
			Job:         job,
			Timestamp:   time.Now(),
			DurationMs:  durationMs,
			WillRetry:   willRetry,
			NextRetryAt: nextRetryAt,
		},
		Metadata: models.EventMetadata{CorrelationID: job.CorrelationID},
	}

	p.bus.Publish(models.ChannelSystemJobs, event)
	if job.SessionID != "" {
		p.bus.Publish(models.SessionJobChannel(job.SessionID), event)
	}
}

// runEventPayload is the wire shape of a pipeline run lifecycle event
type runEventPayload struct {
	Run       *models.PipelineRun `json:"run"`
	StepID    string              `json:"stepId,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// PublishRunEvent emits a pipeline run lifecycle event to the workspace
// graph channel keyed by pipeline id
func (p *Publisher) PublishRunEvent(eventType string, run *models.PipelineRun) {
	p.PublishStepEvent(eventType, run, "")
}

// PublishStepEvent emits a step-scoped pipeline event
func (p *Publisher) PublishStepEvent(eventType string, run *models.PipelineRun, stepID string) {
	event := models.Event{
		Type: eventType,
		Payload: runEventPayload{
			Run:       run,
			StepID:    stepID,
			Timestamp: time.Now(),
		},
		Metadata: models.EventMetadata{CorrelationID: run.ID},
	}

	p.bus.Publish(models.WorkspaceGraphChannel(run.PipelineID), event)
}
