// -----------------------------------------------------------------------
// Approval step executor
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

func (e *Engine) executeApproval(ctx context.Context, rs *runState, sr *models.StepRun) (*models.StepResult, error) {
	step := &sr.Step
	cfg := step.Config.Approval
	if cfg == nil {
		return nil, failStep(StepCodeConfig, "step %s: missing approval config", step.ID)
	}

	handle := e.approvals.create(rs.run.ID, step.ID, cfg)
	defer e.approvals.remove(rs.run.ID, step.ID)

	e.logger.Info().
		Str("run_id", rs.run.ID).
		Str("step_id", step.ID).
		Int("min_approvals", handle.minApprovals).
		Msg("Waiting for approval")

	var timeoutCh <-chan time.Time
	if cfg.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(cfg.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var outcome approvalOutcome
	select {
	case outcome = <-handle.done:

	case <-timeoutCh:
		action := cfg.OnTimeout
		if action == "" {
			action = models.ApprovalTimeoutFail
		}
		switch action {
		case models.ApprovalTimeoutApprove:
			handle.resolve(approvalOutcome{approved: true, reason: "approved on timeout"})
		case models.ApprovalTimeoutReject:
			handle.resolve(approvalOutcome{approved: false, reason: "rejected on timeout"})
		default:
			handle.resolve(approvalOutcome{approved: false, reason: "approval timed out"})
			rs.mu.Lock()
			sr.Approvals = handle.decisions()
			rs.mu.Unlock()
			return nil, failStep(StepCodeTimeout, "step %s: approval timed out", step.ID)
		}
		outcome = <-handle.done

	case <-rs.token.Done():
		handle.resolve(approvalOutcome{approved: false, reason: "Execution cancelled"})
		return nil, errRunCancelled

	case <-ctx.Done():
		handle.resolve(approvalOutcome{approved: false, reason: "Execution cancelled"})
		return nil, ctx.Err()
	}

	rs.mu.Lock()
	sr.Approvals = handle.decisions()
	rs.mu.Unlock()

	if !outcome.approved {
		if outcome.reason == "Execution cancelled" {
			return nil, errRunCancelled
		}
		return &models.StepResult{
			Success: false,
			Output:  map[string]interface{}{"approved": false, "reason": outcome.reason},
			Error:   &models.StepError{Code: StepCodeRejected, Message: outcome.reason},
		}, failStep(StepCodeRejected, "step %s: %s", step.ID, outcome.reason)
	}

	return &models.StepResult{
		Success: true,
		Output: map[string]interface{}{
			"approved":  true,
			"approvals": handle.decisions(),
		},
	}, nil
}
