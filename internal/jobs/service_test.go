package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/events"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	badgerstore "github.com/ternarybob/conductor/internal/storage/badger"
)

func testQueueConfig() *common.QueueConfig {
	return &common.QueueConfig{
		Concurrency: common.ConcurrencyConfig{
			Global:  4,
			PerType: map[string]int{},
		},
		Retry: common.RetryConfig{
			MaxAttempts:       3,
			InitialBackoffMs:  10,
			MaxBackoffMs:      50,
			BackoffMultiplier: 2.0,
		},
		Timeouts: common.TimeoutsConfig{
			DefaultMs: 60000,
			PerTypeMs: map[string]int64{},
		},
		Worker: common.WorkerConfig{
			PollIntervalMs:    10,
			ShutdownTimeoutMs: 2000,
		},
	}
}

func newTestService(t *testing.T, cfg *common.QueueConfig) *Service {
	t.Helper()
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	return NewService(storage, events.NewService(logger), cfg, logger)
}

// fakeHandler is a configurable test double for JobHandler
type fakeHandler struct {
	validate func(input map[string]interface{}) interfaces.ValidationResult
	execute  func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error)
}

func (h *fakeHandler) Validate(input map[string]interface{}) interfaces.ValidationResult {
	if h.validate != nil {
		return h.validate(input)
	}
	return interfaces.ValidationResult{Valid: true}
}

func (h *fakeHandler) Execute(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
	return h.execute(ctx, ec)
}

func waitForJobStatus(t *testing.T, svc *Service, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := svc.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last status %s", jobID, status, job.Status)
	return nil
}

func TestCreateJobRequiresRegisteredHandler(t *testing.T) {
	svc := newTestService(t, testQueueConfig())

	_, err := svc.CreateJob(context.Background(), &CreateJobRequest{Type: "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")

	_, err = svc.CreateJob(context.Background(), &CreateJobRequest{})
	assert.Error(t, err)
}

func TestJobRunsToCompletion(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	svc.RegisterHandler("echo", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": ec.Input()["msg"]}, nil
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{
		Type:  "echo",
		Input: map[string]interface{}{"msg": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.NotEmpty(t, job.CorrelationID)

	done := waitForJobStatus(t, svc, job.ID, models.JobStatusCompleted)
	assert.Equal(t, "hello", done.Output["echo"])
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 0, done.Retry.Attempts)
}

func TestJobValidationFailureIsTerminal(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	svc.RegisterHandler("strict", &fakeHandler{
		validate: func(input map[string]interface{}) interfaces.ValidationResult {
			return interfaces.ValidationResult{Valid: false, Errors: []string{"url is required", "depth must be positive"}}
		},
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			t.Error("execute must not run when validation fails")
			return nil, nil
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "strict"})
	require.NoError(t, err)

	failed := waitForJobStatus(t, svc, job.ID, models.JobStatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, CodeValidation, failed.Error.Code)
	assert.Equal(t, "url is required; depth must be positive", failed.Error.Message)
	assert.False(t, failed.Error.Retryable)
	assert.Equal(t, 0, failed.Retry.Attempts)
}

func TestJobRetriesUntilAttemptsExhausted(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	var executions atomic.Int32
	svc.RegisterHandler("flaky", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			executions.Add(1)
			return nil, errors.New("upstream unavailable")
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	one := 1
	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "flaky", MaxAttempts: &one})
	require.NoError(t, err)

	failed := waitForJobStatus(t, svc, job.ID, models.JobStatusFailed)
	require.NotNil(t, failed.Error)
	assert.False(t, failed.Error.Retryable)
	assert.Equal(t, 1, failed.Retry.Attempts)
	assert.Equal(t, int32(2), executions.Load(), "one initial execution plus one retry")
}

func TestJobRetrySucceedsOnSecondAttempt(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	var executions atomic.Int32
	svc.RegisterHandler("recovering", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			if executions.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return map[string]interface{}{"ok": true}, nil
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "recovering"})
	require.NoError(t, err)

	done := waitForJobStatus(t, svc, job.ID, models.JobStatusCompleted)
	assert.Equal(t, true, done.Output["ok"])
	assert.Equal(t, 1, done.Retry.Attempts)
}

func TestJobTimeout(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Timeouts.PerTypeMs["slow"] = 50
	svc := newTestService(t, cfg)
	ctx := context.Background()

	svc.RegisterHandler("slow", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			for i := 0; i < 400; i++ {
				if err := ec.CheckCancelled(); err != nil {
					return nil, err
				}
				time.Sleep(5 * time.Millisecond)
			}
			return nil, errors.New("never cancelled")
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "slow"})
	require.NoError(t, err)

	timedOut := waitForJobStatus(t, svc, job.ID, models.JobStatusTimeout)
	require.NotNil(t, timedOut.Error)
	assert.Equal(t, CodeTimeout, timedOut.Error.Code)
	require.NotNil(t, timedOut.Cancellation)
	assert.Equal(t, "system", timedOut.Cancellation.RequestedBy)
}

func TestCancelRunningJob(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	svc.RegisterHandler("patient", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			for i := 0; i < 1000; i++ {
				if err := ec.CheckCancelled(); err != nil {
					return nil, err
				}
				time.Sleep(5 * time.Millisecond)
			}
			return nil, errors.New("never cancelled")
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "patient"})
	require.NoError(t, err)

	waitForJobStatus(t, svc, job.ID, models.JobStatusRunning)
	_, err = svc.CancelJob(ctx, job.ID, "operator request", "user_1")
	require.NoError(t, err)

	cancelled := waitForJobStatus(t, svc, job.ID, models.JobStatusCancelled)
	require.NotNil(t, cancelled.Cancellation)
	assert.Equal(t, "operator request", cancelled.Cancellation.Reason)
}

func TestCancelPendingJobWithoutScheduler(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	svc.RegisterHandler("idle", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			return nil, nil
		},
	})

	// The scheduler never starts, so the job stays pending
	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "idle"})
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(ctx, job.ID, "changed my mind", "user_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	// Terminal jobs cannot be cancelled again
	_, err = svc.CancelJob(ctx, job.ID, "again", "user_1")
	assert.Error(t, err)

	// But they can be retried back to pending
	retried, err := svc.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, retried.Status)
	assert.Nil(t, retried.Error)
	assert.Nil(t, retried.Cancellation)
}

func TestRetryRejectsNonTerminalJob(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	svc.RegisterHandler("idle", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			return nil, nil
		},
	})
	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "idle"})
	require.NoError(t, err)

	_, err = svc.RetryJob(ctx, job.ID)
	assert.Error(t, err)

	_, err = svc.ResumeJob(ctx, job.ID)
	assert.Error(t, err, "resume requires paused")

	_, err = svc.PauseJob(ctx, job.ID, "user_1")
	assert.Error(t, err, "pause requires running")

	err = svc.DeleteJob(ctx, job.ID)
	assert.Error(t, err, "delete requires terminal")
}

func TestPauseAndResumeJob(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	svc.RegisterHandler("resumable", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			state, err := ec.GetCheckpoint()
			if err != nil {
				return nil, err
			}
			if state != nil {
				// Second execution picks up from the checkpoint
				return map[string]interface{}{"resumedFrom": state["progress"]}, nil
			}
			if err := ec.Checkpoint(map[string]interface{}{"progress": "halfway"}); err != nil {
				return nil, err
			}
			for i := 0; i < 1000; i++ {
				if err := ec.CheckCancelled(); err != nil {
					return nil, err
				}
				time.Sleep(5 * time.Millisecond)
			}
			return nil, errors.New("never paused")
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "resumable"})
	require.NoError(t, err)

	waitForJobStatus(t, svc, job.ID, models.JobStatusRunning)
	_, err = svc.PauseJob(ctx, job.ID, "user_1")
	require.NoError(t, err)

	// The executor leaves the paused status in place
	waitForJobStatus(t, svc, job.ID, models.JobStatusPaused)
	// Give the execution goroutine time to unwind fully
	time.Sleep(50 * time.Millisecond)

	_, err = svc.ResumeJob(ctx, job.ID)
	require.NoError(t, err)

	done := waitForJobStatus(t, svc, job.ID, models.JobStatusCompleted)
	assert.Equal(t, "halfway", done.Output["resumedFrom"])
}

func TestGlobalConcurrencyCap(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Concurrency.Global = 1
	svc := newTestService(t, cfg)
	ctx := context.Background()

	var current, peak atomic.Int32
	svc.RegisterHandler("busy", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "busy"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		waitForJobStatus(t, svc, id, models.JobStatusCompleted)
	}
	assert.Equal(t, int32(1), peak.Load(), "never more than one concurrent execution")
}

func TestPerSessionConcurrencyCap(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Concurrency.PerSession = 1
	svc := newTestService(t, cfg)
	ctx := context.Background()

	var current, peak atomic.Int32
	svc.RegisterHandler("scoped", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "scoped", SessionID: "sess_1"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		waitForJobStatus(t, svc, id, models.JobStatusCompleted)
	}
	assert.Equal(t, int32(1), peak.Load(), "session cap limits concurrency")
}

func TestExecutorFailsJobWithoutHandler(t *testing.T) {
	logger := arbor.NewLogger()
	storage, err := badgerstore.NewManager(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	publisher := events.NewPublisher(events.NewService(logger), logger)
	registry := NewHandlerRegistry(logger)
	executor := NewExecutor(storage.JobStorage(), storage.JobLogStorage(), publisher, registry, testQueueConfig(), logger)

	ctx := context.Background()
	job := &models.Job{ID: "job_orphan", Type: "ghost", Status: models.JobStatusPending, CreatedAt: time.Now()}
	require.NoError(t, storage.JobStorage().CreateJob(ctx, job))

	executor.Execute(ctx, job, NewCancelToken())

	got, err := storage.JobStorage().GetJob(ctx, "job_orphan")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, CodeNoHandler, got.Error.Code)
}

func TestExecutorRecoversHandlerPanic(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	var executions atomic.Int32
	svc.RegisterHandler("panicky", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			if executions.Add(1) == 1 {
				panic("boom")
			}
			return map[string]interface{}{"recovered": true}, nil
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "panicky"})
	require.NoError(t, err)

	// The panic is classified retryable and the retry succeeds
	done := waitForJobStatus(t, svc, job.ID, models.JobStatusCompleted)
	assert.Equal(t, true, done.Output["recovered"])
}

func TestJobLogsRoundTrip(t *testing.T) {
	svc := newTestService(t, testQueueConfig())
	ctx := context.Background()

	svc.RegisterHandler("chatty", &fakeHandler{
		execute: func(ctx context.Context, ec interfaces.ExecutionContext) (map[string]interface{}, error) {
			ec.Log(models.LogLevelInfo, "starting work", nil)
			ec.Log(models.LogLevelWarn, "minor hiccup", map[string]interface{}{"retries": 1})
			return nil, nil
		},
	})
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Shutdown(ctx) })

	job, err := svc.CreateJob(ctx, &CreateJobRequest{Type: "chatty"})
	require.NoError(t, err)
	waitForJobStatus(t, svc, job.ID, models.JobStatusCompleted)

	logs, err := svc.GetLogs(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "starting work", logs[0].Message)
	assert.Equal(t, models.LogLevelWarn, logs[1].Level)
}
