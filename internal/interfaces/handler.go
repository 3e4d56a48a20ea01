package interfaces

import (
	"context"

	"github.com/ternarybob/conductor/internal/models"
)

// ValidationResult reports the outcome of input validation
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ExecutionContext is the surface a job handler works against. Progress,
// checkpoint, and log calls write through the job store; cancellation is
// cooperative and observed at the checkpoints the handler chooses.
type ExecutionContext interface {
	// Input returns the job's input value
	Input() map[string]interface{}

	// Job returns a snapshot of the job row
	Job() *models.Job

	// UpdateProgress persists progress and emits job.progress
	UpdateProgress(current, total int, message ...string) error

	// SetStage records the current processing stage
	SetStage(stage string) error

	// Checkpoint persists an opaque recovery blob
	Checkpoint(state map[string]interface{}) error

	// GetCheckpoint loads the last persisted checkpoint state, or nil
	GetCheckpoint() (map[string]interface{}, error)

	// IsCancelled returns true if either the executor token or the job row
	// carries a cancellation mark
	IsCancelled() bool

	// CheckCancelled returns a cancellation error when IsCancelled is true
	CheckCancelled() error

	// Log appends a job log record and logs through the structured logger
	Log(level models.LogLevel, message string, data map[string]interface{})
}

// JobHandler is the validator+executor pair registered for a job type
type JobHandler interface {
	Validate(input map[string]interface{}) ValidationResult
	Execute(ctx context.Context, ec ExecutionContext) (map[string]interface{}, error)
}

// CancelAware handlers get a cleanup callback when their job is cancelled.
// Errors from OnCancel are logged but do not change the job outcome.
type CancelAware interface {
	OnCancel(ctx context.Context, ec ExecutionContext) error
}

// PauseAware handlers get a callback when their job is paused
type PauseAware interface {
	OnPause(ctx context.Context, ec ExecutionContext) error
}
