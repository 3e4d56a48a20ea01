// -----------------------------------------------------------------------
// Engine - Run lifecycle and the step dispatcher
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/events"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/jobs"
	"github.com/ternarybob/conductor/internal/models"
)

// loopDepthKey is the context counter that lets loop bodies re-execute
// steps the dedup guard would otherwise skip.
const loopDepthKey = "__loopDepth"

// Step error codes
const (
	StepCodeUnmetDependencies = "UNMET_DEPENDENCIES"
	StepCodeExecution         = "STEP_EXECUTION_ERROR"
	StepCodeTimeout           = "STEP_TIMEOUT"
	StepCodeCancelled         = "STEP_CANCELLED"
	StepCodeRejected          = "APPROVAL_REJECTED"
	StepCodeConfig            = "STEP_CONFIG_ERROR"
)

var errRunCancelled = errors.New("run cancelled")

// stepFailure is a coded step error; the retry classifier keys off Code
type stepFailure struct {
	Code    string
	Message string
}

func (e *stepFailure) Error() string {
	return e.Message
}

func failStep(code, format string, args ...interface{}) *stepFailure {
	return &stepFailure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// runState is the in-process handle of one active run. The mutex guards the
// run record and its context map; parallel branches share both.
type runState struct {
	mu       sync.Mutex
	run      *models.PipelineRun
	pipeline *models.Pipeline
	token    *jobs.CancelToken
}

func (rs *runState) loopDepth() int {
	if d, ok := rs.run.Context[loopDepthKey].(int); ok {
		return d
	}
	return 0
}

// Engine executes pipeline runs. Each run executes on its own goroutine;
// the engine tracks active runs so pause and cancel can reach them.
type Engine struct {
	store     interfaces.PipelineStorage
	publisher *events.Publisher
	approvals *approvalRegistry
	agents    interfaces.AgentService
	config    *common.Config
	logger    arbor.ILogger

	httpClient     *http.Client
	webhookLimiter *rate.Limiter

	mu     sync.Mutex
	active map[string]*runState
	wg     sync.WaitGroup
}

// NewEngine creates a pipeline engine. agents may be nil when no agent
// driver is configured; agent_task steps then fail with a config error.
func NewEngine(store interfaces.PipelineStorage, publisher *events.Publisher, agents interfaces.AgentService, config *common.Config, logger arbor.ILogger) *Engine {
	return &Engine{
		store:          store,
		publisher:      publisher,
		approvals:      newApprovalRegistry(),
		agents:         agents,
		config:         config,
		logger:         logger,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		webhookLimiter: rate.NewLimiter(rate.Limit(10), 20),
		active:         make(map[string]*runState),
	}
}

// StartRun clones the pipeline's steps into a new run, seeds the context,
// and dispatches execution asynchronously. The returned run is a snapshot.
func (e *Engine) StartRun(ctx context.Context, p *models.Pipeline, triggeredBy models.TriggeredBy, params map[string]interface{}) (*models.PipelineRun, error) {
	if !p.Enabled {
		return nil, fmt.Errorf("pipeline %s is disabled", p.ID)
	}

	seeded := make(map[string]interface{})
	for k, v := range p.ContextDefaults {
		seeded[k] = v
	}
	for k, v := range params {
		seeded[k] = v
	}

	steps := make([]*models.StepRun, len(p.Steps))
	for i := range p.Steps {
		steps[i] = &models.StepRun{Step: p.Steps[i], Status: models.StepStatusPending}
	}

	run := &models.PipelineRun{
		ID:              common.NewRunID(),
		PipelineID:      p.ID,
		PipelineVersion: p.Version,
		Status:          models.RunStatusRunning,
		ExecutedStepIDs: []string{},
		Context:         seeded,
		TriggeredBy:     triggeredBy,
		Steps:           steps,
		StartedAt:       time.Now(),
	}

	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	rs := &runState{run: run, pipeline: p, token: jobs.NewCancelToken()}
	e.mu.Lock()
	e.active[run.ID] = rs
	e.mu.Unlock()

	e.publisher.PublishRunEvent(models.EventRunStarted, e.snapshot(rs))
	e.logger.Info().
		Str("run_id", run.ID).
		Str("pipeline_id", p.ID).
		Str("trigger", string(triggeredBy.Type)).
		Msg("Pipeline run started")

	e.wg.Add(1)
	go e.execute(context.WithoutCancel(ctx), rs, e.rootOrder(p))

	return e.snapshot(rs), nil
}

// rootOrder is the definition order of all step ids; the dedup guard keeps
// steps already executed inside composite steps from running twice
func (e *Engine) rootOrder(p *models.Pipeline) []string {
	ids := make([]string, len(p.Steps))
	for i := range p.Steps {
		ids[i] = p.Steps[i].ID
	}
	return ids
}

// execute drives the dispatcher to a terminal (or paused) state
func (e *Engine) execute(ctx context.Context, rs *runState, order []string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.active, rs.run.ID)
		e.mu.Unlock()
	}()

	err := e.dispatch(ctx, rs, order)

	switch {
	case err == nil:
		e.finishRun(ctx, rs, models.RunStatusCompleted, nil)

	case errors.Is(err, errRunCancelled):
		if rs.token.Reason() == jobs.ReasonPaused {
			// Status was flipped to paused before the token fired; keep the
			// run resumable and stop here.
			rs.mu.Lock()
			run := rs.run
			run.Status = models.RunStatusPaused
			rs.mu.Unlock()
			if saveErr := e.store.SaveRun(ctx, run); saveErr != nil {
				e.logger.Warn().Err(saveErr).Str("run_id", run.ID).Msg("Failed to persist paused run")
			}
			e.publisher.PublishRunEvent(models.EventRunPaused, e.snapshot(rs))
			e.logger.Info().Str("run_id", run.ID).Msg("Pipeline run paused")
			return
		}
		e.approvals.rejectForRun(rs.run.ID, "Execution cancelled")
		e.finishRun(ctx, rs, models.RunStatusCancelled, &models.RunError{
			Code:    StepCodeCancelled,
			Message: "run cancelled",
		})

	default:
		var sf *stepFailure
		runErr := &models.RunError{Code: StepCodeExecution, Message: err.Error()}
		if errors.As(err, &sf) {
			runErr.Code = sf.Code
		}
		e.approvals.rejectForRun(rs.run.ID, "Execution cancelled")
		e.finishRun(ctx, rs, models.RunStatusFailed, runErr)
	}
}

// finishRun persists the terminal state, folds the outcome into the
// pipeline stats, and emits the terminal event
func (e *Engine) finishRun(ctx context.Context, rs *runState, status models.RunStatus, runErr *models.RunError) {
	now := time.Now()
	rs.mu.Lock()
	run := rs.run
	run.Status = status
	run.Error = runErr
	run.CompletedAt = &now
	rs.mu.Unlock()

	if err := e.store.SaveRun(ctx, run); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist terminal run")
	}

	if p, err := e.store.GetPipeline(ctx, run.PipelineID); err == nil {
		p.Stats.RecordRun(status == models.RunStatusCompleted, run.DurationMs())
		if err := e.store.SavePipeline(ctx, p); err != nil {
			e.logger.Warn().Err(err).Str("pipeline_id", p.ID).Msg("Failed to update pipeline stats")
		}
	}

	eventType := models.EventRunCompleted
	switch status {
	case models.RunStatusFailed:
		eventType = models.EventRunFailed
	case models.RunStatusCancelled:
		eventType = models.EventRunCancelled
	}
	e.publisher.PublishRunEvent(eventType, e.snapshot(rs))

	e.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(status)).
		Int64("duration_ms", run.DurationMs()).
		Msg("Pipeline run finished")
}

// dispatch executes a list of step ids in order. Composite steps recurse
// through this same loop for their branches and bodies.
func (e *Engine) dispatch(ctx context.Context, rs *runState, stepIDs []string) error {
	for _, stepID := range stepIDs {
		if rs.token.Cancelled() {
			return errRunCancelled
		}

		rs.mu.Lock()
		sr := rs.run.StepRunByID(stepID)
		inLoop := rs.loopDepth() > 0
		executed := rs.run.HasExecuted(stepID)
		rs.mu.Unlock()

		if sr == nil {
			return failStep(StepCodeConfig, "unknown step id: %s", stepID)
		}
		if !inLoop && executed {
			continue
		}

		rs.mu.Lock()
		var unmet []string
		for _, dep := range sr.Step.DependsOn {
			if !rs.run.HasExecuted(dep) {
				unmet = append(unmet, dep)
			}
		}
		rs.mu.Unlock()
		if len(unmet) > 0 {
			return failStep(StepCodeUnmetDependencies, "step %s has unmet dependencies: %s", stepID, strings.Join(unmet, ", "))
		}

		if sr.Step.Condition != "" {
			rs.mu.Lock()
			pass := EvaluateCondition(sr.Step.Condition, rs.run.Context)
			if !pass {
				sr.Status = models.StepStatusSkipped
				sr.Result = &models.StepResult{Skipped: true, SkipReason: "condition"}
				rs.run.ExecutedStepIDs = append(rs.run.ExecutedStepIDs, stepID)
				rs.mu.Unlock()
				e.saveRun(ctx, rs)
				continue
			}
			rs.mu.Unlock()
		}

		now := time.Now()
		rs.mu.Lock()
		sr.Status = models.StepStatusRunning
		sr.StartedAt = &now
		rs.mu.Unlock()
		e.saveRun(ctx, rs)
		e.publisher.PublishStepEvent(models.EventStepStarted, e.snapshot(rs), stepID)

		result, err := e.executeStepWithRetry(ctx, rs, sr)

		if err != nil && (errors.Is(err, errRunCancelled) || rs.token.Cancelled()) {
			// An interrupted step is not recorded as executed; a resumed run
			// re-enters it from the top.
			rs.mu.Lock()
			sr.Status = models.StepStatusPending
			sr.StartedAt = nil
			rs.mu.Unlock()
			e.saveRun(ctx, rs)
			return errRunCancelled
		}

		done := time.Now()
		rs.mu.Lock()
		sr.CompletedAt = &done
		if err == nil && result != nil && result.Success {
			sr.Status = models.StepStatusCompleted
			sr.Result = result
			if result.Output != nil {
				rs.run.Context["step_"+stepID+"_output"] = result.Output
			}
		} else {
			sr.Status = models.StepStatusFailed
			if result != nil {
				sr.Result = result
			} else if err != nil {
				sr.Result = &models.StepResult{Success: false, Error: stepErrorOf(err)}
			}
		}
		rs.run.ExecutedStepIDs = append(rs.run.ExecutedStepIDs, stepID)
		failed := sr.Status == models.StepStatusFailed
		rs.mu.Unlock()

		e.saveRun(ctx, rs)
		e.publisher.PublishStepEvent(models.EventStepFinished, e.snapshot(rs), stepID)

		if failed {
			if errors.Is(err, errRunCancelled) || rs.token.Cancelled() {
				return errRunCancelled
			}
			if !sr.Step.ContinueOnFailure {
				if err != nil {
					return err
				}
				return failStep(StepCodeExecution, "step %s failed", stepID)
			}
		}
	}
	return nil
}

// effectivePolicy resolves the retry policy: step, then pipeline, then a
// single-attempt default
func (e *Engine) effectivePolicy(rs *runState, step *models.Step) models.RetryPolicy {
	if step.RetryPolicy != nil {
		return *step.RetryPolicy
	}
	if rs.pipeline.RetryPolicy != nil {
		return *rs.pipeline.RetryPolicy
	}
	return models.RetryPolicy{MaxAttempts: 1}
}

// executeStepWithRetry wraps the typed executor in the step retry loop
func (e *Engine) executeStepWithRetry(ctx context.Context, rs *runState, sr *models.StepRun) (*models.StepResult, error) {
	policy := e.effectivePolicy(rs, &sr.Step)
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastResult *models.StepResult
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.runAttempt(ctx, rs, sr)
		if err == nil {
			return result, nil
		}
		lastResult, lastErr = result, err

		if errors.Is(err, errRunCancelled) || !retryableStepError(err, &policy) || attempt == maxAttempts {
			return lastResult, err
		}

		backoff := stepBackoff(&policy, attempt)
		e.logger.Warn().
			Str("run_id", rs.run.ID).
			Str("step_id", sr.Step.ID).
			Int("attempt", attempt).
			Err(err).
			Msg("Step failed, retrying")

		select {
		case <-time.After(backoff):
		case <-rs.token.Done():
			return nil, errRunCancelled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return lastResult, lastErr
}

// runAttempt executes one attempt under the step-level timeout, if any.
// Executors observe the deadline at their context-aware points.
func (e *Engine) runAttempt(ctx context.Context, rs *runState, sr *models.StepRun) (*models.StepResult, error) {
	if sr.Step.TimeoutMs <= 0 {
		return e.executeStep(ctx, rs, sr)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(sr.Step.TimeoutMs)*time.Millisecond)
	defer cancel()

	result, err := e.executeStep(attemptCtx, rs, sr)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, failStep(StepCodeTimeout, "step %s timed out after %dms", sr.Step.ID, sr.Step.TimeoutMs)
	}
	return result, err
}

// retryableStepError decides whether a step error is retried. When the
// policy lists retryableErrors the list is authoritative; an empty list
// means never retry. Cancellation is never retried.
func retryableStepError(err error, policy *models.RetryPolicy) bool {
	if strings.Contains(strings.ToLower(err.Error()), "cancelled") {
		return false
	}
	var sf *stepFailure
	code := StepCodeExecution
	if errors.As(err, &sf) {
		code = sf.Code
	}
	if code == StepCodeCancelled || code == StepCodeRejected || code == StepCodeConfig {
		return false
	}
	if policy.RetryableErrors != nil {
		for _, allowed := range policy.RetryableErrors {
			if allowed == code {
				return true
			}
		}
		return false
	}
	return true
}

func stepBackoff(policy *models.RetryPolicy, attempt int) time.Duration {
	base := policy.BackoffMs
	if base <= 0 {
		base = 1000
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	backoff := float64(base)
	for i := 1; i < attempt; i++ {
		backoff *= multiplier
	}
	if policy.MaxBackoffMs > 0 && backoff > float64(policy.MaxBackoffMs) {
		backoff = float64(policy.MaxBackoffMs)
	}
	return time.Duration(backoff) * time.Millisecond
}

// executeStep dispatches on the step type
func (e *Engine) executeStep(ctx context.Context, rs *runState, sr *models.StepRun) (*models.StepResult, error) {
	step := &sr.Step
	switch step.Type {
	case models.StepTypeConditional:
		return e.executeConditional(ctx, rs, step)
	case models.StepTypeParallel:
		return e.executeParallel(ctx, rs, step)
	case models.StepTypeApproval:
		return e.executeApproval(ctx, rs, sr)
	case models.StepTypeScript:
		return e.executeScript(ctx, rs, step)
	case models.StepTypeLoop:
		return e.executeLoop(ctx, rs, step)
	case models.StepTypeWait:
		return e.executeWait(ctx, rs, step)
	case models.StepTypeTransform:
		return e.executeTransform(ctx, rs, step)
	case models.StepTypeWebhook:
		return e.executeWebhook(ctx, rs, step)
	case models.StepTypeSubPipeline:
		return e.executeSubPipeline(ctx, rs, step)
	case models.StepTypeAgentTask:
		return e.executeAgentTask(ctx, rs, step)
	default:
		return nil, failStep(StepCodeConfig, "unknown step type: %s", step.Type)
	}
}

func stepErrorOf(err error) *models.StepError {
	var sf *stepFailure
	if errors.As(err, &sf) {
		return &models.StepError{Code: sf.Code, Message: sf.Message}
	}
	return &models.StepError{Code: StepCodeExecution, Message: err.Error()}
}

// saveRun persists the run under the state lock; persistence failures are
// logged, not fatal
func (e *Engine) saveRun(ctx context.Context, rs *runState) {
	rs.mu.Lock()
	run := e.cloneRun(rs.run)
	rs.mu.Unlock()
	if err := e.store.SaveRun(ctx, run); err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to persist run state")
	}
}

// snapshot returns a shallow copy safe to hand to subscribers
func (e *Engine) snapshot(rs *runState) *models.PipelineRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return e.cloneRun(rs.run)
}

func (e *Engine) cloneRun(run *models.PipelineRun) *models.PipelineRun {
	clone := *run
	clone.ExecutedStepIDs = append([]string{}, run.ExecutedStepIDs...)
	clone.Context = make(map[string]interface{}, len(run.Context))
	for k, v := range run.Context {
		clone.Context[k] = v
	}
	clone.Steps = make([]*models.StepRun, len(run.Steps))
	for i, sr := range run.Steps {
		copied := *sr
		clone.Steps[i] = &copied
	}
	return &clone
}

// PauseRun pauses an active run. The status flips to paused before the
// cancellation handle fires so the executor keeps the run resumable.
func (e *Engine) PauseRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	e.mu.Lock()
	rs, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %s is not active", runID)
	}

	rs.mu.Lock()
	if rs.run.Status != models.RunStatusRunning {
		status := rs.run.Status
		rs.mu.Unlock()
		return nil, fmt.Errorf("cannot pause run %s in status %s", runID, status)
	}
	rs.run.Status = models.RunStatusPaused
	rs.mu.Unlock()

	rs.token.Cancel(jobs.ReasonPaused, "user")
	return e.snapshot(rs), nil
}

// ResumeRun re-enters the dispatcher for a paused run with a fresh
// cancellation handle; executed steps are not re-run.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusPaused {
		return nil, fmt.Errorf("cannot resume run %s in status %s", runID, run.Status)
	}

	p, err := e.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatusRunning
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	rs := &runState{run: run, pipeline: p, token: jobs.NewCancelToken()}
	e.mu.Lock()
	e.active[run.ID] = rs
	e.mu.Unlock()

	e.publisher.PublishRunEvent(models.EventRunResumed, e.snapshot(rs))
	e.logger.Info().Str("run_id", runID).Msg("Pipeline run resumed")

	e.wg.Add(1)
	go e.execute(context.WithoutCancel(ctx), rs, e.rootOrder(p))

	return e.snapshot(rs), nil
}

// CancelRun aborts a run. Active runs get the cooperative signal; a paused
// run with no live execution is marked cancelled directly.
func (e *Engine) CancelRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	e.mu.Lock()
	rs, active := e.active[runID]
	e.mu.Unlock()

	if active {
		rs.token.Cancel("cancelled", "user")
		e.approvals.rejectForRun(runID, "Execution cancelled")
		return e.snapshot(rs), nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot cancel run %s in terminal status %s", runID, run.Status)
	}

	now := time.Now()
	run.Status = models.RunStatusCancelled
	run.Error = &models.RunError{Code: StepCodeCancelled, Message: "run cancelled"}
	run.CompletedAt = &now
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	e.publisher.PublishRunEvent(models.EventRunCancelled, run)
	return run, nil
}

// SubmitApproval records an approval decision for a waiting approval step
func (e *Engine) SubmitApproval(runID, stepID string, approval models.StepApproval) error {
	if approval.Timestamp.IsZero() {
		approval.Timestamp = time.Now()
	}
	return e.approvals.submit(runID, stepID, approval)
}

// PendingApprovals lists open approval handles, optionally for one run
func (e *Engine) PendingApprovals(runID string) []*PendingApprovalInfo {
	return e.approvals.list(runID)
}

// ActiveRunCount returns the number of runs executing in this process
func (e *Engine) ActiveRunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown cancels active runs and waits for their goroutines
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for id, rs := range e.active {
		rs.token.Cancel(jobs.ReasonShutdown, "system")
		e.approvals.rejectForRun(id, "Execution cancelled")
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
