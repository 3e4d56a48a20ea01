// -----------------------------------------------------------------------
// PipelineRun - One execution of a pipeline definition
// -----------------------------------------------------------------------

package models

import "time"

// RunStatus represents the lifecycle state of a pipeline run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true for completed, failed, and cancelled runs
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// TriggerSourceType identifies who or what started a run
type TriggerSourceType string

const (
	TriggerSourceUser      TriggerSourceType = "user"
	TriggerSourceSchedule  TriggerSourceType = "schedule"
	TriggerSourceWebhook   TriggerSourceType = "webhook"
	TriggerSourceBeadEvent TriggerSourceType = "bead_event"
	TriggerSourceAPI       TriggerSourceType = "api"
)

// TriggeredBy records the origin of a run
type TriggeredBy struct {
	Type TriggerSourceType `json:"type"`
	ID   string            `json:"id,omitempty"`
}

// RunError describes a run-level failure
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"stepId,omitempty"`
}

// PipelineRun holds the state of one pipeline execution. Runs carry their
// own step copies so a later pipeline update never mutates an in-flight run.
type PipelineRun struct {
	ID              string                 `json:"id" badgerhold:"key"`
	PipelineID      string                 `json:"pipelineId" badgerholdIndex:"PipelineID"`
	PipelineVersion int                    `json:"pipelineVersion"`
	Status          RunStatus              `json:"status" badgerholdIndex:"Status"`
	ExecutedStepIDs []string               `json:"executedStepIds"`
	Context         map[string]interface{} `json:"context"`
	TriggeredBy     TriggeredBy            `json:"triggeredBy"`
	Steps           []*StepRun             `json:"steps"`
	Error           *RunError              `json:"error,omitempty"`
	StartedAt       time.Time              `json:"startedAt"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// StepRunByID returns the run's copy of the given step, or nil
func (r *PipelineRun) StepRunByID(id string) *StepRun {
	for _, sr := range r.Steps {
		if sr.Step.ID == id {
			return sr
		}
	}
	return nil
}

// HasExecuted reports whether a step id already reached a terminal state
// in this run
func (r *PipelineRun) HasExecuted(stepID string) bool {
	for _, id := range r.ExecutedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// DurationMs returns the wall time of a terminal run in milliseconds
func (r *PipelineRun) DurationMs() int64 {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt).Milliseconds()
}
