package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPipeline() *Pipeline {
	return &Pipeline{
		ID:      "pl_test",
		Name:    "test pipeline",
		Enabled: true,
		Steps: []Step{
			{ID: "a", Name: "first", Type: StepTypeWait, Config: StepConfig{Wait: &WaitConfig{DurationMs: 1}}},
			{ID: "b", Name: "second", Type: StepTypeWait, DependsOn: []string{"a"}, Config: StepConfig{Wait: &WaitConfig{DurationMs: 1}}},
		},
	}
}

func TestPipelineValidate(t *testing.T) {
	require.NoError(t, validPipeline().Validate())
}

func TestPipelineValidateRequiresNameAndSteps(t *testing.T) {
	p := validPipeline()
	p.Name = ""
	assert.Error(t, p.Validate())

	p = validPipeline()
	p.Steps = nil
	assert.Error(t, p.Validate())
}

func TestPipelineValidateDuplicateStepIDs(t *testing.T) {
	p := validPipeline()
	p.Steps[1].ID = "a"
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestPipelineValidateUnknownDependency(t *testing.T) {
	p := validPipeline()
	p.Steps[1].DependsOn = []string{"nope"}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestPipelineValidateDetectsCycle(t *testing.T) {
	p := validPipeline()
	p.Steps[0].DependsOn = []string{"b"}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestPipelineValidateSelfCycle(t *testing.T) {
	p := validPipeline()
	p.Steps[0].DependsOn = []string{"a"}
	assert.Error(t, p.Validate())
}

func TestPipelineValidateUnknownStepType(t *testing.T) {
	p := validPipeline()
	p.Steps[0].Type = "teleport"
	assert.Error(t, p.Validate())
}

func TestPipelineValidateScheduleTrigger(t *testing.T) {
	p := validPipeline()
	p.Trigger = Trigger{
		Type:    TriggerSchedule,
		Config:  map[string]interface{}{"schedule": "*/5 * * * *"},
		Enabled: true,
	}
	require.NoError(t, p.Validate())

	p.Trigger.Config["schedule"] = "not a cron"
	assert.Error(t, p.Validate())

	delete(p.Trigger.Config, "schedule")
	assert.Error(t, p.Validate())
}

func TestPipelineValidateLoopMode(t *testing.T) {
	p := validPipeline()
	p.Steps[0] = Step{
		ID:   "loop",
		Type: StepTypeLoop,
		Config: StepConfig{Loop: &LoopConfig{
			Mode:  "sideways",
			Steps: []string{"b"},
		}},
	}
	assert.Error(t, p.Validate())
}

func TestPipelineStatsRecordRun(t *testing.T) {
	var stats PipelineStats

	stats.RecordRun(true, 100)
	stats.RecordRun(false, 300)

	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.SuccessfulRuns)
	assert.Equal(t, 1, stats.FailedRuns)
	assert.Equal(t, int64(200), stats.AverageDurationMs)
}

func TestRunHasExecuted(t *testing.T) {
	run := &PipelineRun{ExecutedStepIDs: []string{"a", "b"}}
	assert.True(t, run.HasExecuted("a"))
	assert.False(t, run.HasExecuted("c"))
}
