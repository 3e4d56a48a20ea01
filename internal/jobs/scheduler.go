// -----------------------------------------------------------------------
// Scheduler - Single poll loop admitting pending jobs under concurrency caps
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// admitBatchSize bounds how many runnable jobs one poll cycle considers.
const admitBatchSize = 100

type inFlightJob struct {
	jobType   string
	sessionID string
	token     *CancelToken
}

// Scheduler owns the poll loop. A single goroutine decides admission, so
// concurrency caps are never raced; execution itself fans out to one
// goroutine per admitted job.
type Scheduler struct {
	store    interfaces.JobStorage
	executor *Executor
	config   *common.QueueConfig
	logger   arbor.ILogger

	mu       sync.Mutex
	inFlight map[string]*inFlightJob

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a scheduler over the given store and executor
func NewScheduler(store interfaces.JobStorage, executor *Executor, config *common.QueueConfig, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		store:    store,
		executor: executor,
		config:   config,
		logger:   logger,
		inFlight: make(map[string]*inFlightJob),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start recovers orphaned jobs and launches the poll loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	// Jobs left running by an unclean shutdown go back to pending so this
	// process picks them up again
	recovered, err := s.store.MarkRunningJobsAsPending(ctx, "recovered after restart")
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Info().Int("count", recovered).Msg("Recovered orphaned running jobs")
	}

	go s.pollLoop(ctx)
	go s.cleanupLoop(ctx)

	s.logger.Info().
		Int("global_concurrency", s.config.Concurrency.Global).
		Int64("poll_interval_ms", s.config.Worker.PollIntervalMs).
		Msg("Job scheduler started")
	return nil
}

// Wake nudges the poll loop ahead of its next tick
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelInFlight signals the cancel token of a running job. Returns false
// when the job is not currently executing in this process.
func (s *Scheduler) CancelInFlight(jobID, reason, by string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.inFlight[jobID]
	if !ok {
		return false
	}
	entry.token.Cancel(reason, by)
	return true
}

// InFlightCount returns the number of jobs currently executing
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stopped)

	interval := time.Duration(s.config.Worker.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.admitPending(ctx)
	}
}

// admitPending claims runnable jobs up to the concurrency caps and hands
// each to the executor on its own goroutine
func (s *Scheduler) admitPending(ctx context.Context) {
	jobs, err := s.store.ListRunnable(ctx, admitBatchSize, time.Now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list runnable jobs")
		return
	}
	if len(jobs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	typeCounts := make(map[string]int)
	sessionCounts := make(map[string]int)
	for _, f := range s.inFlight {
		typeCounts[f.jobType]++
		if f.sessionID != "" {
			sessionCounts[f.sessionID]++
		}
	}

	for _, job := range jobs {
		if len(s.inFlight) >= s.config.Concurrency.Global {
			return
		}
		if _, running := s.inFlight[job.ID]; running {
			continue
		}

		typeCap, ok := s.config.Concurrency.PerType[job.Type]
		if !ok {
			typeCap = s.config.Concurrency.Global
		}
		if typeCounts[job.Type] >= typeCap {
			continue
		}
		if job.SessionID != "" && s.config.Concurrency.PerSession > 0 &&
			sessionCounts[job.SessionID] >= s.config.Concurrency.PerSession {
			continue
		}

		token := NewCancelToken()
		s.inFlight[job.ID] = &inFlightJob{jobType: job.Type, sessionID: job.SessionID, token: token}
		typeCounts[job.Type]++
		if job.SessionID != "" {
			sessionCounts[job.SessionID]++
		}

		s.wg.Add(1)
		go s.run(ctx, job, token)
	}
}

func (s *Scheduler) run(ctx context.Context, job *models.Job, token *CancelToken) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, job.ID)
		s.mu.Unlock()
		s.wg.Done()
		// A freed slot may unblock a waiting job
		s.Wake()
	}()

	s.executor.Execute(ctx, job, token)
}

// cleanupLoop prunes terminal jobs past their retention windows
func (s *Scheduler) cleanupLoop(ctx context.Context) {
	if s.config.Cleanup.IntervalMinutes <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(s.config.Cleanup.IntervalMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			completed := time.Duration(s.config.Cleanup.CompletedRetentionHours) * time.Hour
			failed := time.Duration(s.config.Cleanup.FailedRetentionHours) * time.Hour
			removed, err := s.store.Cleanup(ctx, completed, failed)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Job cleanup failed")
				continue
			}
			if removed > 0 {
				s.logger.Info().Int("removed", removed).Msg("Cleaned up terminal jobs")
			}
		}
	}
}

// Shutdown stops admission, waits up to the configured grace period for
// in-flight jobs, then cancels stragglers and waits for them to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stop)
	<-s.stopped

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.Duration(s.config.Worker.ShutdownTimeoutMs) * time.Millisecond
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-done:
		s.logger.Info().Msg("Job scheduler stopped")
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := len(s.inFlight)
	for _, f := range s.inFlight {
		f.token.Cancel(ReasonShutdown, "system")
	}
	s.mu.Unlock()

	if remaining > 0 {
		s.logger.Warn().Int("cancelled", remaining).Msg("Cancelled in-flight jobs on shutdown")
	}
	<-done
	s.logger.Info().Msg("Job scheduler stopped")
	return nil
}
