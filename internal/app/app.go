// -----------------------------------------------------------------------
// App - Dependency wiring and lifecycle for the conductor service
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/events"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/jobs"
	"github.com/ternarybob/conductor/internal/pipeline"
	"github.com/ternarybob/conductor/internal/services/agents"
	"github.com/ternarybob/conductor/internal/services/scheduler"
	badgerstore "github.com/ternarybob/conductor/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	StorageManager interfaces.StorageManager

	// Event surface
	EventService interfaces.EventService
	Broadcaster  *events.Broadcaster

	// Core services
	JobService       *jobs.Service
	PipelineService  *pipeline.Service
	SchedulerService *scheduler.Service

	// Agent driver; nil when no API key is configured
	AgentService interfaces.AgentService
}

// New wires the application from configuration
func New(config *common.Config) (*App, error) {
	logger := common.InitLogger(config)

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:    config,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	storageManager, err := badgerstore.NewManager(&config.Storage.Badger, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	a.EventService = events.NewService(logger)
	a.Broadcaster = events.NewBroadcaster(a.EventService, logger)

	// The agent driver is optional: pipelines that never use agent_task
	// steps run fine without an API key
	if config.Agent.APIKey != "" {
		agentService, err := agents.NewService(&config.Agent, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize agent driver: %w", err)
		}
		a.AgentService = agentService
	} else {
		logger.Warn().Msg("No agent API key configured, agent_task steps will fail")
	}

	a.JobService = jobs.NewService(storageManager, a.EventService, &config.Queue, logger)
	a.PipelineService = pipeline.NewService(storageManager, a.EventService, a.AgentService, config, logger)
	a.SchedulerService = scheduler.NewService(a.PipelineService, logger)

	// Pipelines can be queued like any job
	a.JobService.RegisterHandler(pipeline.JobTypePipeline, pipeline.NewRunJobHandler(a.PipelineService))

	logger.Info().
		Str("environment", config.Environment).
		Str("storage", config.Storage.Badger.Path).
		Msg("Application wired")
	return a, nil
}

// Start loads pipeline definitions and begins the scheduler loops
func (a *App) Start() error {
	if dir := a.Config.Pipelines.DefinitionsDir; dir != "" {
		if err := badgerstore.LoadPipelinesFromFiles(a.ctx, a.StorageManager.PipelineStorage(), dir, a.Logger); err != nil {
			a.Logger.Warn().Err(err).Str("dir", dir).Msg("Failed to load pipeline definitions")
		}
	}

	if err := a.JobService.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start job service: %w", err)
	}
	if err := a.SchedulerService.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline scheduler: %w", err)
	}

	a.Logger.Info().Msg("Application started")
	return nil
}

// Close shuts everything down in reverse dependency order
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Pipeline scheduler shutdown failed")
		}
	}
	if a.PipelineService != nil {
		if err := a.PipelineService.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Pipeline engine shutdown failed")
		}
	}
	if a.JobService != nil {
		if err := a.JobService.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Job service shutdown failed")
		}
	}
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service shutdown failed")
		}
	}

	a.cancelCtx()

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage shutdown failed")
			return err
		}
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}
