package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewPipelineID generates a unique pipeline ID with the "pl_" prefix
func NewPipelineID() string {
	return "pl_" + uuid.New().String()
}

// NewRunID generates a unique pipeline run ID with the "run_" prefix
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewLogID generates a unique log entry ID with the "log_" prefix
func NewLogID() string {
	return "log_" + uuid.New().String()
}

// NewAgentID generates a unique agent ID with the "agent_" prefix
func NewAgentID() string {
	return "agent_" + uuid.New().String()
}

// NewCorrelationID generates a bare UUID for event correlation
func NewCorrelationID() string {
	return uuid.New().String()
}
