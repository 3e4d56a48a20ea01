package interfaces

import (
	"context"
	"time"
)

// AgentRequest describes one agent task
type AgentRequest struct {
	Prompt           string
	SystemPrompt     string
	WorkingDirectory string
	MaxTokens        int
	Timeout          time.Duration
}

// AgentSubmission is returned by fire-and-forget submissions
type AgentSubmission struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// AgentResult is the outcome of a completed agent task
type AgentResult struct {
	AgentID    string `json:"agentId"`
	MessageID  string `json:"messageId"`
	Output     string `json:"output"`
	StopReason string `json:"stopReason,omitempty"`
}

// AgentService is the driver that spawns external agent work for
// agent_task steps
type AgentService interface {
	// Submit starts the agent and returns immediately
	Submit(ctx context.Context, req AgentRequest) (*AgentSubmission, error)

	// Run executes the agent to completion, terminating it before returning
	Run(ctx context.Context, req AgentRequest) (*AgentResult, error)
}
