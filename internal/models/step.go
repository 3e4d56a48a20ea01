// -----------------------------------------------------------------------
// Step - Typed pipeline step definitions and runtime state
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"time"
)

// StepType identifies the kind of a pipeline step. The set is closed;
// the step dispatcher is a single switch over these tags.
type StepType string

const (
	StepTypeAgentTask   StepType = "agent_task"
	StepTypeConditional StepType = "conditional"
	StepTypeParallel    StepType = "parallel"
	StepTypeApproval    StepType = "approval"
	StepTypeScript      StepType = "script"
	StepTypeLoop        StepType = "loop"
	StepTypeWait        StepType = "wait"
	StepTypeTransform   StepType = "transform"
	StepTypeWebhook     StepType = "webhook"
	StepTypeSubPipeline StepType = "sub_pipeline"
)

// IsValidStepType checks whether a StepType is one of the closed set
func IsValidStepType(t StepType) bool {
	switch t {
	case StepTypeAgentTask, StepTypeConditional, StepTypeParallel, StepTypeApproval,
		StepTypeScript, StepTypeLoop, StepTypeWait, StepTypeTransform,
		StepTypeWebhook, StepTypeSubPipeline:
		return true
	default:
		return false
	}
}

// StepStatus represents the runtime state of a step inside a run
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// AgentTaskConfig configures an agent_task step
type AgentTaskConfig struct {
	Prompt            string `json:"prompt" toml:"prompt" yaml:"prompt"`
	SystemPrompt      string `json:"systemPrompt,omitempty" toml:"system_prompt" yaml:"system_prompt"`
	WorkingDirectory  string `json:"workingDirectory,omitempty" toml:"working_directory" yaml:"working_directory"`
	TimeoutMs         int64  `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeout_ms"`
	MaxTokens         int    `json:"maxTokens,omitempty" toml:"max_tokens" yaml:"max_tokens"`
	WaitForCompletion *bool  `json:"waitForCompletion,omitempty" toml:"wait_for_completion" yaml:"wait_for_completion"`
}

// ConditionalConfig configures a conditional step
type ConditionalConfig struct {
	Condition string   `json:"condition" toml:"condition" yaml:"condition"`
	ThenSteps []string `json:"thenSteps" toml:"then_steps" yaml:"then_steps"`
	ElseSteps []string `json:"elseSteps,omitempty" toml:"else_steps" yaml:"else_steps"`
}

// ParallelConfig configures a parallel step
type ParallelConfig struct {
	Steps          []string `json:"steps" toml:"steps" yaml:"steps"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty" toml:"max_concurrency" yaml:"max_concurrency"`
	FailFast       bool     `json:"failFast,omitempty" toml:"fail_fast" yaml:"fail_fast"`
}

// ApprovalTimeoutAction is dispatched when an approval step times out
type ApprovalTimeoutAction string

const (
	ApprovalTimeoutApprove ApprovalTimeoutAction = "approve"
	ApprovalTimeoutReject  ApprovalTimeoutAction = "reject"
	ApprovalTimeoutFail    ApprovalTimeoutAction = "fail"
)

// ApprovalConfig configures an approval step
type ApprovalConfig struct {
	Approvers    []string              `json:"approvers" toml:"approvers" yaml:"approvers"`
	MinApprovals int                   `json:"minApprovals,omitempty" toml:"min_approvals" yaml:"min_approvals"`
	OnTimeout    ApprovalTimeoutAction `json:"onTimeout,omitempty" toml:"on_timeout" yaml:"on_timeout"`
	TimeoutMs    int64                 `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeout_ms"`
	Message      string                `json:"message,omitempty" toml:"message" yaml:"message"`
}

// ScriptConfig configures a script step. Script is inline shell content and
// is never variable-substituted (values arrive via PIPELINE_* env vars);
// ScriptPath is a path-mode script and does resolve variables in the path.
type ScriptConfig struct {
	Script           string            `json:"script,omitempty" toml:"script" yaml:"script"`
	ScriptPath       string            `json:"scriptPath,omitempty" toml:"script_path" yaml:"script_path"`
	Shell            string            `json:"shell,omitempty" toml:"shell" yaml:"shell"`
	WorkingDirectory string            `json:"workingDirectory,omitempty" toml:"working_directory" yaml:"working_directory"`
	Env              map[string]string `json:"env,omitempty" toml:"env" yaml:"env"`
	TimeoutMs        int64             `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeout_ms"`
}

// LoopMode selects the iteration strategy of a loop step
type LoopMode string

const (
	LoopModeForEach LoopMode = "for_each"
	LoopModeWhile   LoopMode = "while"
	LoopModeUntil   LoopMode = "until"
	LoopModeTimes   LoopMode = "times"
)

// LoopConfig configures a loop step
type LoopConfig struct {
	Mode           LoopMode      `json:"mode" toml:"mode" yaml:"mode"`
	Items          []interface{} `json:"items,omitempty" toml:"items" yaml:"items"`
	ItemsVariable  string        `json:"itemsVariable,omitempty" toml:"items_variable" yaml:"items_variable"`
	ItemVariable   string        `json:"itemVariable,omitempty" toml:"item_variable" yaml:"item_variable"`
	Condition      string        `json:"condition,omitempty" toml:"condition" yaml:"condition"`
	Times          int           `json:"times,omitempty" toml:"times" yaml:"times"`
	Steps          []string      `json:"steps" toml:"steps" yaml:"steps"`
	MaxIterations  int           `json:"maxIterations,omitempty" toml:"max_iterations" yaml:"max_iterations"`
	Parallel       bool          `json:"parallel,omitempty" toml:"parallel" yaml:"parallel"`
	ParallelLimit  int           `json:"parallelLimit,omitempty" toml:"parallel_limit" yaml:"parallel_limit"`
	OutputVariable string        `json:"outputVariable,omitempty" toml:"output_variable" yaml:"output_variable"`
}

// WaitConfig configures a wait step. Exactly one of DurationMs, Until, or
// Webhook should be set; Until is subject to variable substitution.
type WaitConfig struct {
	DurationMs int64  `json:"durationMs,omitempty" toml:"duration_ms" yaml:"duration_ms"`
	Until      string `json:"until,omitempty" toml:"until" yaml:"until"`
	Webhook    bool   `json:"webhook,omitempty" toml:"webhook" yaml:"webhook"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeout_ms"`
}

// TransformOp identifies a transform operation kind
type TransformOp string

const (
	TransformOpSet     TransformOp = "set"
	TransformOpDelete  TransformOp = "delete"
	TransformOpMerge   TransformOp = "merge"
	TransformOpMap     TransformOp = "map"
	TransformOpFilter  TransformOp = "filter"
	TransformOpReduce  TransformOp = "reduce"
	TransformOpExtract TransformOp = "extract"
)

// TransformOperation is a single operation applied against the run context
type TransformOperation struct {
	Op         TransformOp `json:"op" toml:"op" yaml:"op"`
	Path       string      `json:"path,omitempty" toml:"path" yaml:"path"`
	Value      interface{} `json:"value,omitempty" toml:"value" yaml:"value"`
	Source     string      `json:"source,omitempty" toml:"source" yaml:"source"`
	Target     string      `json:"target,omitempty" toml:"target" yaml:"target"`
	Expression string      `json:"expression,omitempty" toml:"expression" yaml:"expression"`
	Condition  string      `json:"condition,omitempty" toml:"condition" yaml:"condition"`
	Initial    interface{} `json:"initial,omitempty" toml:"initial" yaml:"initial"`
	Query      string      `json:"query,omitempty" toml:"query" yaml:"query"`
}

// TransformConfig configures a transform step
type TransformConfig struct {
	Operations []TransformOperation `json:"operations" toml:"operations" yaml:"operations"`
}

// WebhookAuthType selects the webhook authentication scheme
type WebhookAuthType string

const (
	WebhookAuthNone   WebhookAuthType = "none"
	WebhookAuthBasic  WebhookAuthType = "basic"
	WebhookAuthBearer WebhookAuthType = "bearer"
	WebhookAuthAPIKey WebhookAuthType = "api_key"
)

// WebhookAuth carries webhook credentials; values are variable-substituted
type WebhookAuth struct {
	Type     WebhookAuthType `json:"type" toml:"type" yaml:"type"`
	Username string          `json:"username,omitempty" toml:"username" yaml:"username"`
	Password string          `json:"password,omitempty" toml:"password" yaml:"password"`
	Token    string          `json:"token,omitempty" toml:"token" yaml:"token"`
	Header   string          `json:"header,omitempty" toml:"header" yaml:"header"`
	Key      string          `json:"key,omitempty" toml:"key" yaml:"key"`
}

// WebhookConfig configures a webhook step
type WebhookConfig struct {
	URL            string            `json:"url" toml:"url" yaml:"url"`
	Method         string            `json:"method,omitempty" toml:"method" yaml:"method"`
	Headers        map[string]string `json:"headers,omitempty" toml:"headers" yaml:"headers"`
	Body           interface{}       `json:"body,omitempty" toml:"body" yaml:"body"`
	Auth           *WebhookAuth      `json:"auth,omitempty" toml:"auth" yaml:"auth"`
	ValidateStatus []int             `json:"validateStatus,omitempty" toml:"validate_status" yaml:"validate_status"`
	OutputVariable string            `json:"outputVariable,omitempty" toml:"output_variable" yaml:"output_variable"`
	ExtractFields  map[string]string `json:"extractFields,omitempty" toml:"extract_fields" yaml:"extract_fields"`
	TimeoutMs      int64             `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeout_ms"`
}

// SubPipelineConfig configures a sub_pipeline step
type SubPipelineConfig struct {
	PipelineID        string                 `json:"pipelineId" toml:"pipeline_id" yaml:"pipeline_id"`
	Version           int                    `json:"version,omitempty" toml:"version" yaml:"version"`
	Inputs            map[string]interface{} `json:"inputs,omitempty" toml:"inputs" yaml:"inputs"`
	WaitForCompletion *bool                  `json:"waitForCompletion,omitempty" toml:"wait_for_completion" yaml:"wait_for_completion"`
	TimeoutMs         int64                  `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeout_ms"`
	PollIntervalMs    int64                  `json:"pollIntervalMs,omitempty" toml:"poll_interval_ms" yaml:"poll_interval_ms"`
	OutputVariable    string                 `json:"outputVariable,omitempty" toml:"output_variable" yaml:"output_variable"`
}

// StepConfig is the tagged config union. Exactly the variant matching the
// step's Type is populated; the others stay nil.
type StepConfig struct {
	AgentTask   *AgentTaskConfig   `json:"agentTask,omitempty" toml:"agent_task" yaml:"agent_task"`
	Conditional *ConditionalConfig `json:"conditional,omitempty" toml:"conditional" yaml:"conditional"`
	Parallel    *ParallelConfig    `json:"parallel,omitempty" toml:"parallel" yaml:"parallel"`
	Approval    *ApprovalConfig    `json:"approval,omitempty" toml:"approval" yaml:"approval"`
	Script      *ScriptConfig      `json:"script,omitempty" toml:"script" yaml:"script"`
	Loop        *LoopConfig        `json:"loop,omitempty" toml:"loop" yaml:"loop"`
	Wait        *WaitConfig        `json:"wait,omitempty" toml:"wait" yaml:"wait"`
	Transform   *TransformConfig   `json:"transform,omitempty" toml:"transform" yaml:"transform"`
	Webhook     *WebhookConfig     `json:"webhook,omitempty" toml:"webhook" yaml:"webhook"`
	SubPipeline *SubPipelineConfig `json:"subPipeline,omitempty" toml:"sub_pipeline" yaml:"sub_pipeline"`
}

// Step is a typed node in a pipeline definition. Steps are immutable after
// pipeline creation; updates produce a new pipeline version.
type Step struct {
	ID                string       `json:"id" toml:"id" yaml:"id"`
	Name              string       `json:"name" toml:"name" yaml:"name"`
	Type              StepType     `json:"type" toml:"type" yaml:"type"`
	Config            StepConfig   `json:"config" toml:"config" yaml:"config"`
	DependsOn         []string     `json:"dependsOn,omitempty" toml:"depends_on" yaml:"depends_on"`
	Condition         string       `json:"condition,omitempty" toml:"condition" yaml:"condition"`
	RetryPolicy       *RetryPolicy `json:"retryPolicy,omitempty" toml:"retry_policy" yaml:"retry_policy"`
	ContinueOnFailure bool         `json:"continueOnFailure,omitempty" toml:"continue_on_failure" yaml:"continue_on_failure"`
	TimeoutMs         int64        `json:"timeoutMs,omitempty" toml:"timeout_ms" yaml:"timeout_ms"`
}

// Validate checks the step definition shape
func (s *Step) Validate() error {
	if s.ID == "" {
		return errors.New("step id is required")
	}
	if !IsValidStepType(s.Type) {
		return fmt.Errorf("unknown step type: %s", s.Type)
	}
	if s.Type == StepTypeLoop && s.Config.Loop != nil {
		switch s.Config.Loop.Mode {
		case LoopModeForEach, LoopModeWhile, LoopModeUntil, LoopModeTimes:
		default:
			return fmt.Errorf("step %s: invalid loop mode: %s", s.ID, s.Config.Loop.Mode)
		}
	}
	return nil
}

// StepError describes a step failure inside a run
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepResult is the outcome recorded for an executed step
type StepResult struct {
	Success    bool        `json:"success"`
	Output     interface{} `json:"output,omitempty"`
	Error      *StepError  `json:"error,omitempty"`
	Skipped    bool        `json:"skipped,omitempty"`
	SkipReason string      `json:"skipReason,omitempty"`
}

// StepApproval records a single approval decision
type StepApproval struct {
	UserID    string    `json:"userId"`
	Decision  string    `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StepRun is the per-run mutable copy of a step. The pipeline definition is
// never mutated by execution.
type StepRun struct {
	Step        Step           `json:"step"`
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Result      *StepResult    `json:"result,omitempty"`
	Approvals   []StepApproval `json:"approvals,omitempty"`
}
