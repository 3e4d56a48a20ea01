// -----------------------------------------------------------------------
// Event - Normalized lifecycle events and topic channel taxonomy
// -----------------------------------------------------------------------

package models

// Event channel names. These strings are the wire contract with consumers.
const (
	ChannelSystemJobs        = "system:jobs"
	ChannelFleetSyncSession  = "fleet:sync:session"
	ChannelFleetSweepSession = "fleet:sweep:session"
)

// SessionJobChannel returns the per-session job channel
func SessionJobChannel(sessionID string) string {
	return "session:job:" + sessionID
}

// WorkspaceGraphChannel returns the per-workspace pipeline/graph channel
func WorkspaceGraphChannel(workspaceID string) string {
	return "workspace:graph:" + workspaceID
}

// Job lifecycle event types
const (
	EventJobCreated   = "job.created"
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobPaused    = "job.paused"
	EventJobResumed   = "job.resumed"
	EventJobCancelled = "job.cancelled"
	EventJobFailed    = "job.failed"
	EventJobCompleted = "job.completed"
)

// Pipeline lifecycle event types
const (
	EventRunStarted   = "pipeline.run.started"
	EventRunCompleted = "pipeline.run.completed"
	EventRunFailed    = "pipeline.run.failed"
	EventRunCancelled = "pipeline.run.cancelled"
	EventRunPaused    = "pipeline.run.paused"
	EventRunResumed   = "pipeline.run.resumed"
	EventStepStarted  = "pipeline.step.started"
	EventStepFinished = "pipeline.step.finished"
)

// EventMetadata carries correlation information alongside an event
type EventMetadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
}

// Event is a normalized lifecycle event published to one or more channels
type Event struct {
	Type     string        `json:"type"`
	Payload  interface{}   `json:"payload"`
	Metadata EventMetadata `json:"metadata"`
}
