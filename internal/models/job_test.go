package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminality(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPaused} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestSetProgress(t *testing.T) {
	var p JobProgress

	p.SetProgress(1, 3)
	assert.Equal(t, 33, p.Percentage)

	p.SetProgress(2, 3)
	assert.Equal(t, 67, p.Percentage)

	p.SetProgress(3, 3)
	assert.Equal(t, 100, p.Percentage)

	// A zero total cannot produce a percentage; the last value stands
	p.SetProgress(5, 0)
	assert.Equal(t, 5, p.Current)
	assert.Equal(t, 100, p.Percentage)
}

func TestJobLifecycleMarks(t *testing.T) {
	job := &Job{ID: "job_1", Status: JobStatusPending}

	job.MarkStarted()
	assert.Equal(t, JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)

	job.MarkCompleted(map[string]interface{}{"ok": true})
	assert.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 100, job.Progress.Percentage)
	assert.True(t, job.IsTerminal())
}

func TestMarkCompletedPegsProgress(t *testing.T) {
	job := &Job{ID: "job_1"}
	job.MarkStarted()
	job.Progress.SetProgress(3, 10)

	job.MarkCompleted(nil)
	assert.Equal(t, 10, job.Progress.Current)
	assert.Equal(t, 100, job.Progress.Percentage)
}

func TestMarkFailed(t *testing.T) {
	job := &Job{ID: "job_1"}
	job.MarkStarted()

	job.MarkFailed(&JobError{Code: "EXECUTION_ERROR", Message: "boom", Retryable: true})
	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	require.NotNil(t, job.CompletedAt)
}

func TestResetForRetry(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:          "job_1",
		Status:      JobStatusFailed,
		Error:       &JobError{Code: "EXECUTION_ERROR", Message: "boom"},
		StartedAt:   &now,
		CompletedAt: &now,
		Cancellation: &JobCancellation{
			RequestedAt: now,
			RequestedBy: "user",
		},
		ActualDurationMs: 42,
	}

	job.ResetForRetry()
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Nil(t, job.Error)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Nil(t, job.Cancellation)
	assert.Zero(t, job.ActualDurationMs)
}
