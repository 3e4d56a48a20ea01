// -----------------------------------------------------------------------
// Control-flow step executors: conditional, parallel, loop, wait
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

const defaultMaxIterations = 1000

func (e *Engine) executeConditional(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.Conditional
	if cfg == nil {
		return nil, failStep(StepCodeConfig, "step %s: missing conditional config", step.ID)
	}

	rs.mu.Lock()
	pass := EvaluateCondition(cfg.Condition, rs.run.Context)
	rs.mu.Unlock()

	branch := "then"
	steps := cfg.ThenSteps
	if !pass {
		branch = "else"
		steps = cfg.ElseSteps
	}

	if len(steps) > 0 {
		if err := e.dispatch(ctx, rs, steps); err != nil {
			return nil, err
		}
	}

	return &models.StepResult{
		Success: true,
		Output: map[string]interface{}{
			"branch":        branch,
			"executedSteps": steps,
		},
	}, nil
}

func (e *Engine) executeParallel(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.Parallel
	if cfg == nil || len(cfg.Steps) == 0 {
		return nil, failStep(StepCodeConfig, "step %s: missing parallel config", step.ID)
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 || maxConcurrency > len(cfg.Steps) {
		maxConcurrency = len(cfg.Steps)
	}

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string
	var firstErr error
	aborted := false

	for _, stepID := range cfg.Steps {
		mu.Lock()
		stop := aborted
		mu.Unlock()
		if stop {
			break
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			stop := aborted
			mu.Unlock()
			if stop {
				return
			}

			if err := e.dispatch(ctx, rs, []string{id}); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", id, err))
				if firstErr == nil {
					firstErr = err
				}
				if cfg.FailFast {
					aborted = true
				}
				mu.Unlock()
			}
		}(stepID)
	}
	wg.Wait()

	if rs.token.Cancelled() {
		return nil, errRunCancelled
	}
	if len(failures) > 0 {
		if cfg.FailFast {
			return nil, firstErr
		}
		return &models.StepResult{
			Success: false,
			Output:  map[string]interface{}{"failures": failures},
			Error:   &models.StepError{Code: StepCodeExecution, Message: fmt.Sprintf("%d parallel branch(es) failed", len(failures))},
		}, failStep(StepCodeExecution, "%d parallel branch(es) failed", len(failures))
	}

	return &models.StepResult{
		Success: true,
		Output:  map[string]interface{}{"executedSteps": cfg.Steps},
	}, nil
}

func (e *Engine) executeLoop(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.Loop
	if cfg == nil || len(cfg.Steps) == 0 {
		return nil, failStep(StepCodeConfig, "step %s: missing loop config", step.ID)
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}

	// The depth counter lets loop bodies re-run steps the dedup guard
	// would skip; it must come back down even when an iteration fails
	rs.mu.Lock()
	rs.run.Context[loopDepthKey] = rs.loopDepth() + 1
	rs.mu.Unlock()
	defer func() {
		rs.mu.Lock()
		if d := rs.loopDepth(); d > 0 {
			rs.run.Context[loopDepthKey] = d - 1
		}
		rs.mu.Unlock()
	}()

	lastStepID := cfg.Steps[len(cfg.Steps)-1]
	var outputs []interface{}

	collect := func() {
		rs.mu.Lock()
		if out, ok := rs.run.Context["step_"+lastStepID+"_output"]; ok {
			outputs = append(outputs, out)
		}
		rs.mu.Unlock()
	}

	switch cfg.Mode {
	case models.LoopModeForEach:
		items := cfg.Items
		if cfg.ItemsVariable != "" {
			rs.mu.Lock()
			value, ok := LookupPath(rs.run.Context, cfg.ItemsVariable)
			rs.mu.Unlock()
			if !ok {
				return nil, failStep(StepCodeConfig, "step %s: items variable %s not found", step.ID, cfg.ItemsVariable)
			}
			items, ok = value.([]interface{})
			if !ok {
				return nil, failStep(StepCodeConfig, "step %s: items variable %s is not a list", step.ID, cfg.ItemsVariable)
			}
		}
		if len(items) > maxIterations {
			items = items[:maxIterations]
		}

		if cfg.Parallel {
			results, err := e.loopParallel(ctx, rs, cfg, itemVar, items, lastStepID)
			if err != nil {
				return nil, err
			}
			outputs = results
		} else {
			for i, item := range items {
				if rs.token.Cancelled() {
					return nil, errRunCancelled
				}
				rs.mu.Lock()
				rs.run.Context[itemVar] = item
				rs.run.Context[itemVar+"_index"] = i
				rs.mu.Unlock()
				if err := e.dispatch(ctx, rs, cfg.Steps); err != nil {
					return nil, err
				}
				collect()
			}
		}

	case models.LoopModeWhile:
		for i := 0; i < maxIterations; i++ {
			if rs.token.Cancelled() {
				return nil, errRunCancelled
			}
			rs.mu.Lock()
			keep := EvaluateCondition(cfg.Condition, rs.run.Context)
			rs.mu.Unlock()
			if !keep {
				break
			}
			if err := e.dispatch(ctx, rs, cfg.Steps); err != nil {
				return nil, err
			}
			collect()
		}

	case models.LoopModeUntil:
		for i := 0; i < maxIterations; i++ {
			if rs.token.Cancelled() {
				return nil, errRunCancelled
			}
			if err := e.dispatch(ctx, rs, cfg.Steps); err != nil {
				return nil, err
			}
			collect()
			rs.mu.Lock()
			done := EvaluateCondition(cfg.Condition, rs.run.Context)
			rs.mu.Unlock()
			if done {
				break
			}
		}

	case models.LoopModeTimes:
		times := cfg.Times
		if times > maxIterations {
			times = maxIterations
		}
		for i := 0; i < times; i++ {
			if rs.token.Cancelled() {
				return nil, errRunCancelled
			}
			rs.mu.Lock()
			rs.run.Context[itemVar+"_index"] = i
			rs.mu.Unlock()
			if err := e.dispatch(ctx, rs, cfg.Steps); err != nil {
				return nil, err
			}
			collect()
		}

	default:
		return nil, failStep(StepCodeConfig, "step %s: invalid loop mode: %s", step.ID, cfg.Mode)
	}

	if cfg.OutputVariable != "" {
		rs.mu.Lock()
		rs.run.Context[cfg.OutputVariable] = outputs
		rs.mu.Unlock()
	}

	return &models.StepResult{
		Success: true,
		Output:  map[string]interface{}{"iterations": len(outputs), "outputs": outputs},
	}, nil
}

// loopParallel batches for_each iterations. Each iteration binds its item
// under an index-suffixed name so concurrent bodies do not race on the
// shared item variable.
func (e *Engine) loopParallel(ctx context.Context, rs *runState, cfg *models.LoopConfig, itemVar string, items []interface{}, lastStepID string) ([]interface{}, error) {
	limit := cfg.ParallelLimit
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]interface{}, len(items))
	var firstErr error

	for i, item := range items {
		wg.Add(1)
		go func(idx int, it interface{}) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			stop := firstErr != nil
			mu.Unlock()
			if stop || rs.token.Cancelled() {
				return
			}

			rs.mu.Lock()
			rs.run.Context[fmt.Sprintf("%s_%d", itemVar, idx)] = it
			rs.run.Context[itemVar] = it
			rs.run.Context[itemVar+"_index"] = idx
			rs.mu.Unlock()

			if err := e.dispatch(ctx, rs, cfg.Steps); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			rs.mu.Lock()
			out := rs.run.Context["step_"+lastStepID+"_output"]
			rs.mu.Unlock()
			mu.Lock()
			results[idx] = out
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()

	if rs.token.Cancelled() {
		return nil, errRunCancelled
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (e *Engine) executeWait(ctx context.Context, rs *runState, step *models.Step) (*models.StepResult, error) {
	cfg := step.Config.Wait
	if cfg == nil {
		return nil, failStep(StepCodeConfig, "step %s: missing wait config", step.ID)
	}

	var waitFor time.Duration
	switch {
	case cfg.DurationMs > 0:
		waitFor = time.Duration(cfg.DurationMs) * time.Millisecond

	case cfg.Until != "":
		rs.mu.Lock()
		untilStr := SubstituteString(cfg.Until, rs.run.Context)
		rs.mu.Unlock()
		until, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			return nil, failStep(StepCodeConfig, "step %s: invalid until timestamp %q: %v", step.ID, untilStr, err)
		}
		waitFor = time.Until(until)

	case cfg.Webhook:
		// Webhook waits have no token release channel; they hold until the
		// timeout cap and then proceed.
		if cfg.TimeoutMs <= 0 {
			return nil, failStep(StepCodeConfig, "step %s: webhook wait requires a timeout", step.ID)
		}
		waitFor = time.Duration(cfg.TimeoutMs) * time.Millisecond

	default:
		return nil, failStep(StepCodeConfig, "step %s: wait requires duration, until, or webhook", step.ID)
	}

	if cfg.TimeoutMs > 0 && waitFor > time.Duration(cfg.TimeoutMs)*time.Millisecond {
		waitFor = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if waitFor < 0 {
		waitFor = 0
	}

	select {
	case <-time.After(waitFor):
	case <-rs.token.Done():
		return nil, errRunCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &models.StepResult{
		Success: true,
		Output:  map[string]interface{}{"waitedMs": waitFor.Milliseconds()},
	}, nil
}
