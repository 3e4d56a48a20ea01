// -----------------------------------------------------------------------
// External step executors: sub_pipeline and agent_task
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"time"

	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

const (
	defaultSubPipelineTimeout = 10 * time.Minute
	defaultSubPipelinePoll    = 500 * time.Millisecond
)

func (e *Engine) executeSubPipeline(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.SubPipeline
	if cfg == nil || cfg.PipelineID == "" {
		return nil, failStep(StepCodeConfig, "step %s: missing sub_pipeline config", step.ID)
	}

	child, err := e.store.GetPipeline(ctx, cfg.PipelineID)
	if err != nil {
		return nil, failStep(StepCodeConfig, "step %s: child pipeline %s not found: %v", step.ID, cfg.PipelineID, err)
	}
	if cfg.Version > 0 && child.Version != cfg.Version {
		return nil, failStep(StepCodeConfig, "step %s: child pipeline %s is at version %d, wanted %d", step.ID, cfg.PipelineID, child.Version, cfg.Version)
	}

	rs.mu.Lock()
	inputs, _ := SubstituteValue(cfg.Inputs, rs.run.Context).(map[string]interface{})
	parentRunID := rs.run.ID
	rs.mu.Unlock()

	childRun, err := e.StartRun(ctx, child, models.TriggeredBy{Type: models.TriggerSourceAPI, ID: parentRunID}, inputs)
	if err != nil {
		return nil, failStep(StepCodeExecution, "step %s: failed to start child run: %v", step.ID, err)
	}

	if cfg.WaitForCompletion != nil && !*cfg.WaitForCompletion {
		return &models.StepResult{
			Success: true,
			Output:  map[string]interface{}{"runId": childRun.ID, "status": string(childRun.Status)},
		}, nil
	}

	timeout := defaultSubPipelineTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	poll := defaultSubPipelinePoll
	if cfg.PollIntervalMs > 0 {
		poll = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-time.After(poll):
		case <-rs.token.Done():
			if _, cancelErr := e.CancelRun(ctx, childRun.ID); cancelErr != nil {
				e.logger.Warn().Err(cancelErr).Str("run_id", childRun.ID).Msg("Failed to cancel child run")
			}
			return nil, errRunCancelled
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		latest, err := e.store.GetRun(ctx, childRun.ID)
		if err != nil {
			return nil, failStep(StepCodeExecution, "step %s: failed to poll child run: %v", step.ID, err)
		}

		if latest.Status.IsTerminal() {
			output := map[string]interface{}{
				"runId":   latest.ID,
				"status":  string(latest.Status),
				"context": latest.Context,
			}
			rs.mu.Lock()
			if cfg.OutputVariable != "" {
				rs.run.Context[cfg.OutputVariable] = output
			}
			rs.mu.Unlock()

			if latest.Status != models.RunStatusCompleted {
				message := "child run " + latest.ID + " finished with status " + string(latest.Status)
				if latest.Error != nil {
					message += ": " + latest.Error.Message
				}
				return &models.StepResult{
					Success: false,
					Output:  output,
					Error:   &models.StepError{Code: StepCodeExecution, Message: message},
				}, failStep(StepCodeExecution, "step %s: %s", step.ID, message)
			}
			return &models.StepResult{Success: true, Output: output}, nil
		}

		if time.Now().After(deadline) {
			// Stop the child so a retried step does not race a stale run
			if _, cancelErr := e.CancelRun(ctx, childRun.ID); cancelErr != nil {
				e.logger.Warn().Err(cancelErr).Str("run_id", childRun.ID).Msg("Failed to cancel timed out child run")
			}
			return nil, failStep(StepCodeTimeout, "step %s: child run %s did not finish within %s", step.ID, childRun.ID, timeout)
		}
	}
}

func (e *Engine) executeAgentTask(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.AgentTask
	if cfg == nil || cfg.Prompt == "" {
		return nil, failStep(StepCodeConfig, "step %s: missing agent_task config", step.ID)
	}
	if e.agents == nil {
		return nil, failStep(StepCodeConfig, "step %s: no agent driver configured", step.ID)
	}

	rs.mu.Lock()
	req := interfaces.AgentRequest{
		Prompt:           SubstituteString(cfg.Prompt, rs.run.Context),
		SystemPrompt:     SubstituteString(cfg.SystemPrompt, rs.run.Context),
		WorkingDirectory: SubstituteString(cfg.WorkingDirectory, rs.run.Context),
		MaxTokens:        cfg.MaxTokens,
	}
	rs.mu.Unlock()
	if cfg.TimeoutMs > 0 {
		req.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	if cfg.WaitForCompletion != nil && !*cfg.WaitForCompletion {
		submission, err := e.agents.Submit(ctx, req)
		if err != nil {
			return nil, failStep(StepCodeExecution, "step %s: agent submission failed: %v", step.ID, err)
		}
		return &models.StepResult{
			Success: true,
			Output: map[string]interface{}{
				"agentId":   submission.AgentID,
				"messageId": submission.MessageID,
				"status":    submission.Status,
			},
		}, nil
	}

	result, err := e.agents.Run(ctx, req)
	if err != nil {
		if rs.token.Cancelled() {
			return nil, errRunCancelled
		}
		return nil, failStep(StepCodeExecution, "step %s: agent task failed: %v", step.ID, err)
	}

	return &models.StepResult{
		Success: true,
		Output: map[string]interface{}{
			"agentId":    result.AgentID,
			"messageId":  result.MessageID,
			"output":     result.Output,
			"stopReason": result.StopReason,
		},
	}, nil
}
