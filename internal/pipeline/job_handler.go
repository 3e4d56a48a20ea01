// -----------------------------------------------------------------------
// JobHandler bridge - run pipelines through the job queue
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// JobTypePipeline is the job type the bridge registers under
const JobTypePipeline = "pipeline"

// RunJobHandler runs a pipeline as a queued job, so pipeline executions get
// queue priority, concurrency limits, and retry like any other job.
type RunJobHandler struct {
	service *Service
}

// NewRunJobHandler creates the pipeline job handler
func NewRunJobHandler(service *Service) *RunJobHandler {
	return &RunJobHandler{service: service}
}

// Validate requires a pipelineId and optionally accepts params
func (h *RunJobHandler) Validate(input map[string]interface{}) interfaces.ValidationResult {
	var errs []string
	id, _ := input["pipelineId"].(string)
	if id == "" {
		errs = append(errs, "pipelineId is required")
	}
	if raw, ok := input["params"]; ok {
		if _, ok := raw.(map[string]interface{}); !ok {
			errs = append(errs, "params must be an object")
		}
	}
	return interfaces.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Execute starts the run and polls it to a terminal state, forwarding
// progress as executed step counts
func (h *RunJobHandler) Execute(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
	input := ec.Input()
	pipelineID, _ := input["pipelineId"].(string)
	params, _ := input["params"].(map[string]interface{})

	run, err := h.service.RunPipeline(ctx, pipelineID, models.TriggeredBy{
		Type: models.TriggerSourceAPI,
		ID:   ec.Job().ID,
	}, params)
	if err != nil {
		return nil, &models.JobError{Code: "PIPELINE_START_ERROR", Message: err.Error(), Retryable: false}
	}

	totalSteps := len(run.Steps)
	ec.Log(models.LogLevelInfo, "Pipeline run started", map[string]interface{}{
		"runId":      run.ID,
		"pipelineId": pipelineID,
	})

	for {
		if err := ec.CheckCancelled(); err != nil {
			if _, cancelErr := h.service.CancelRun(ctx, run.ID); cancelErr != nil {
				ec.Log(models.LogLevelWarn, "Failed to cancel pipeline run", map[string]interface{}{"error": cancelErr.Error()})
			}
			return nil, err
		}

		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		latest, err := h.service.GetRun(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll run %s: %w", run.ID, err)
		}

		_ = ec.UpdateProgress(len(latest.ExecutedStepIDs), totalSteps)

		if latest.Status.IsTerminal() {
			output := map[string]interface{}{
				"runId":   latest.ID,
				"status":  string(latest.Status),
				"context": latest.Context,
			}
			if latest.Status != models.RunStatusCompleted {
				message := "pipeline run finished with status " + string(latest.Status)
				if latest.Error != nil {
					message += ": " + latest.Error.Message
				}
				return output, &models.JobError{Code: "PIPELINE_RUN_FAILED", Message: message, Retryable: false}
			}
			return output, nil
		}
	}
}
