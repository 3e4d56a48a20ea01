// -----------------------------------------------------------------------
// Pipeline - DAG of typed steps with triggers, retry policy, and stats
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerType identifies how a pipeline run is initiated
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerSchedule  TriggerType = "schedule"
	TriggerWebhook   TriggerType = "webhook"
	TriggerBeadEvent TriggerType = "bead_event"
)

// Trigger describes when a pipeline should run
type Trigger struct {
	Type    TriggerType            `json:"type" toml:"type" yaml:"type"`
	Config  map[string]interface{} `json:"config,omitempty" toml:"config" yaml:"config"`
	Enabled bool                   `json:"enabled" toml:"enabled" yaml:"enabled"`
}

// Schedule returns the cron expression for schedule triggers
func (t *Trigger) Schedule() string {
	if t == nil || t.Config == nil {
		return ""
	}
	if s, ok := t.Config["schedule"].(string); ok {
		return s
	}
	return ""
}

// RetryPolicy controls retry behavior for steps. When RetryableErrors is
// set it is authoritative: an error whose code is not in the list is not
// retried, and an empty list means never retry.
type RetryPolicy struct {
	MaxAttempts       int      `json:"maxAttempts" toml:"max_attempts" yaml:"max_attempts"`
	BackoffMs         int64    `json:"backoffMs" toml:"backoff_ms" yaml:"backoff_ms"`
	MaxBackoffMs      int64    `json:"maxBackoffMs,omitempty" toml:"max_backoff_ms" yaml:"max_backoff_ms"`
	BackoffMultiplier float64  `json:"backoffMultiplier,omitempty" toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	RetryableErrors   []string `json:"retryableErrors,omitempty" toml:"retryable_errors" yaml:"retryable_errors"`
}

// PipelineStats aggregates run outcomes for a pipeline
type PipelineStats struct {
	TotalRuns         int   `json:"totalRuns"`
	SuccessfulRuns    int   `json:"successfulRuns"`
	FailedRuns        int   `json:"failedRuns"`
	AverageDurationMs int64 `json:"averageDurationMs"`
}

// Pipeline is a versioned DAG of typed steps
type Pipeline struct {
	ID              string                 `json:"id" badgerhold:"key" toml:"id" yaml:"id"`
	Name            string                 `json:"name" toml:"name" yaml:"name"`
	Description     string                 `json:"description,omitempty" toml:"description" yaml:"description"`
	Version         int                    `json:"version" toml:"version" yaml:"version"`
	Enabled         bool                   `json:"enabled" badgerholdIndex:"Enabled" toml:"enabled" yaml:"enabled"`
	Trigger         Trigger                `json:"trigger" toml:"trigger" yaml:"trigger"`
	Steps           []Step                 `json:"steps" toml:"steps" yaml:"steps"`
	ContextDefaults map[string]interface{} `json:"contextDefaults,omitempty" toml:"context_defaults" yaml:"context_defaults"`
	RetryPolicy     *RetryPolicy           `json:"retryPolicy,omitempty" toml:"retry_policy" yaml:"retry_policy"`
	Stats           PipelineStats          `json:"stats" toml:"-" yaml:"-"`
	OwnerID         string                 `json:"ownerId,omitempty" badgerholdIndex:"OwnerID" toml:"owner_id" yaml:"owner_id"`
	Tags            []string               `json:"tags,omitempty" toml:"tags" yaml:"tags"`
	CreatedAt       time.Time              `json:"createdAt" toml:"-" yaml:"-"`
	UpdatedAt       time.Time              `json:"updatedAt" toml:"-" yaml:"-"`
}

// Validate checks the pipeline definition: step shape, unique step ids,
// known dependsOn targets, acyclic dependency edges, and a parseable cron
// expression for schedule triggers.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return errors.New("pipeline name is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("pipeline must have at least one step")
	}

	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if err := step.Validate(); err != nil {
			return err
		}
		if _, exists := byID[step.ID]; exists {
			return fmt.Errorf("duplicate step id: %s", step.ID)
		}
		byID[step.ID] = step
	}

	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step: %s", step.ID, dep)
			}
		}
	}

	if err := p.checkCycles(byID); err != nil {
		return err
	}

	if p.Trigger.Type == TriggerSchedule {
		expr := p.Trigger.Schedule()
		if expr == "" {
			return errors.New("schedule trigger requires a cron expression")
		}
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("invalid cron schedule '%s': %w", expr, err)
		}
	}

	return nil
}

// checkCycles runs a three-color DFS over dependsOn edges
func (p *Pipeline) checkCycles(byID map[string]*Step) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("dependency cycle involving step: %s", id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// StepByID returns the step with the given id, or nil
func (p *Pipeline) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// HasTag returns true if the pipeline carries any of the given tags
func (p *Pipeline) HasTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range p.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// RecordRun folds a terminal run into the pipeline stats
func (s *PipelineStats) RecordRun(success bool, durationMs int64) {
	prevTotal := int64(s.TotalRuns)
	s.TotalRuns++
	if success {
		s.SuccessfulRuns++
	} else {
		s.FailedRuns++
	}
	s.AverageDurationMs = (s.AverageDurationMs*prevTotal + durationMs) / int64(s.TotalRuns)
}
