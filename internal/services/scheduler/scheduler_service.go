// -----------------------------------------------------------------------
// Scheduler - Cron-driven pipeline schedule triggers
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/ternarybob/conductor/internal/pipeline"
)

// triggerEntry tracks one registered pipeline schedule
type triggerEntry struct {
	pipelineID string
	schedule   string
	cronID     cron.EntryID
	lastRun    *time.Time
	lastError  string
}

// Service registers enabled pipelines that carry a schedule trigger with a
// cron runner and starts a run on each fire.
type Service struct {
	pipelines *pipeline.Service
	cron      *cron.Cron
	logger    arbor.ILogger

	mu      sync.Mutex
	entries map[string]*triggerEntry
	running bool
}

// NewService creates the schedule trigger service
func NewService(pipelines *pipeline.Service, logger arbor.ILogger) *Service {
	return &Service{
		pipelines: pipelines,
		cron:      cron.New(),
		logger:    logger,
		entries:   make(map[string]*triggerEntry),
	}
}

// Start loads schedule-triggered pipelines and begins the cron runner
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load scheduled pipelines")
	}

	s.cron.Start()
	s.logger.Info().Int("schedules", s.ScheduleCount()).Msg("Pipeline scheduler started")
	return nil
}

// Reload re-registers every enabled pipeline with a schedule trigger,
// replacing the current schedule set
func (s *Service) Reload(ctx context.Context) error {
	enabled := true
	page, err := s.pipelines.ListPipelines(ctx, &interfaces.PipelineFilter{Enabled: &enabled, Limit: 0})
	if err != nil {
		return fmt.Errorf("failed to list pipelines: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		s.cron.Remove(entry.cronID)
	}
	s.entries = make(map[string]*triggerEntry)

	for _, p := range page.Pipelines {
		if p.Trigger.Type != models.TriggerSchedule || !p.Trigger.Enabled {
			continue
		}
		schedule := p.Trigger.Schedule()
		if schedule == "" {
			continue
		}

		pipelineID := p.ID
		cronID, err := s.cron.AddFunc(schedule, func() {
			s.fire(pipelineID)
		})
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("pipeline_id", pipelineID).
				Str("schedule", schedule).
				Msg("Failed to register pipeline schedule")
			continue
		}

		s.entries[pipelineID] = &triggerEntry{
			pipelineID: pipelineID,
			schedule:   schedule,
			cronID:     cronID,
		}
		s.logger.Info().
			Str("pipeline_id", pipelineID).
			Str("schedule", schedule).
			Msg("Pipeline schedule registered")
	}
	return nil
}

// fire starts one scheduled run
func (s *Service) fire(pipelineID string) {
	now := time.Now()
	run, err := s.pipelines.RunPipeline(context.Background(), pipelineID, models.TriggeredBy{
		Type: models.TriggerSourceSchedule,
		ID:   pipelineID,
	}, nil)

	s.mu.Lock()
	if entry, ok := s.entries[pipelineID]; ok {
		entry.lastRun = &now
		if err != nil {
			entry.lastError = err.Error()
		} else {
			entry.lastError = ""
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("pipeline_id", pipelineID).Msg("Scheduled pipeline run failed to start")
		return
	}
	s.logger.Info().
		Str("pipeline_id", pipelineID).
		Str("run_id", run.ID).
		Msg("Scheduled pipeline run started")
}

// ScheduleCount returns the number of registered schedules
func (s *Service) ScheduleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop halts the cron runner, waiting for in-flight trigger callbacks
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info().Msg("Pipeline scheduler stopped")
	return nil
}
