// -----------------------------------------------------------------------
// Job - Durable unit of work with lifecycle, retry, and events
// -----------------------------------------------------------------------

package models

import (
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

// IsTerminal returns true if the status is a terminal state.
// Terminal jobs only leave their state through an explicit retry,
// which resets them to pending.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// JobProgress tracks job execution progress
type JobProgress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
	Stage      string `json:"stage,omitempty"`
}

// SetProgress updates current/total and recomputes the percentage
func (p *JobProgress) SetProgress(current, total int) {
	p.Current = current
	p.Total = total
	if total > 0 {
		p.Percentage = int(math.Round(float64(current) / float64(total) * 100))
	}
}

// JobRetry tracks retry state for a job
type JobRetry struct {
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	BackoffMs   int64      `json:"backoffMs"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// JobError describes a job failure
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Stack     string `json:"stack,omitempty"`
}

func (e *JobError) Error() string {
	return e.Message
}

// JobCancellation records a cancellation request against a job
type JobCancellation struct {
	RequestedAt time.Time `json:"requestedAt"`
	RequestedBy string    `json:"requestedBy"`
	Reason      string    `json:"reason,omitempty"`
}

// JobCheckpoint is an opaque handler-defined state blob persisted so a
// resumed execution can recover.
type JobCheckpoint struct {
	State     map[string]interface{} `json:"state"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Job represents a durable unit of work tracked by the job store.
// Status transitions are monotonic within terminal states; only RetryJob
// moves a terminal job back to pending.
type Job struct {
	ID   string `json:"id" badgerhold:"key"`
	Type string `json:"type" badgerholdIndex:"Type"`
	Name string `json:"name,omitempty"`

	Priority  int    `json:"priority"`
	SessionID string `json:"sessionId,omitempty" badgerholdIndex:"SessionID"`
	AgentID   string `json:"agentId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	Status JobStatus `json:"status" badgerholdIndex:"Status"`

	Input  map[string]interface{} `json:"input,omitempty"`
	Output map[string]interface{} `json:"output,omitempty"`

	Progress     JobProgress      `json:"progress"`
	Retry        JobRetry         `json:"retry"`
	Error        *JobError        `json:"error,omitempty"`
	Cancellation *JobCancellation `json:"cancellation,omitempty"`
	Checkpoint   *JobCheckpoint   `json:"checkpoint,omitempty"`

	CreatedAt           time.Time  `json:"createdAt"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	EstimatedDurationMs int64      `json:"estimatedDurationMs,omitempty"`
	ActualDurationMs    int64      `json:"actualDurationMs,omitempty"`

	CorrelationID string                 `json:"correlationId,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// CancelRequested returns true if a cancellation mark exists on the job row
func (j *Job) CancelRequested() bool {
	return j.Cancellation != nil
}

// MarkStarted transitions the job to running and stamps startedAt
func (j *Job) MarkStarted() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.Progress.Message = "Starting"
}

// MarkCompleted transitions the job to completed with the given output.
// Progress is pegged to 100% regardless of what the handler reported.
func (j *Job) MarkCompleted(output map[string]interface{}) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.Output = output
	j.CompletedAt = &now
	j.Progress.Current = j.Progress.Total
	j.Progress.Percentage = 100
	if j.StartedAt != nil {
		j.ActualDurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// MarkFailed transitions the job to failed with the given error
func (j *Job) MarkFailed(jobErr *JobError) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Error = jobErr
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.ActualDurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// MarkCancelled transitions the job to cancelled (or timeout when the
// cancellation reason is a timeout)
func (j *Job) MarkCancelled(status JobStatus) {
	now := time.Now()
	j.Status = status
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.ActualDurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}
}

// ResetForRetry clears terminal state so the scheduler re-admits the job
func (j *Job) ResetForRetry() {
	j.Status = JobStatusPending
	j.Error = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Cancellation = nil
	j.ActualDurationMs = 0
}
