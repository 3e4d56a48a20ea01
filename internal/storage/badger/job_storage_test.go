package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestJobStorage(t *testing.T) interfaces.JobStorage {
	t.Helper()
	return NewJobStorage(newTestDB(t), arbor.NewLogger())
}

func makeJob(id string, priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Type:      "test",
		Priority:  priority,
		Status:    models.JobStatusPending,
		CreatedAt: createdAt,
	}
}

func TestJobStorageCreateAndGet(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	job := makeJob("job_1", 5, time.Now())
	job.Input = map[string]interface{}{"key": "value"}
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", got.ID)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, "value", got.Input["key"])
}

func TestJobStorageCreateRejectsDuplicates(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	job := makeJob("job_dup", 0, time.Now())
	require.NoError(t, store.CreateJob(ctx, job))
	assert.Error(t, store.CreateJob(ctx, makeJob("job_dup", 0, time.Now())))
}

func TestJobStorageGetMissing(t *testing.T) {
	store := newTestJobStorage(t)
	_, err := store.GetJob(context.Background(), "nope")
	assert.Error(t, err)
}

func TestJobStorageListJobsOrdering(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Listing order is priority DESC, createdAt DESC
	require.NoError(t, store.CreateJob(ctx, makeJob("low_old", 1, base)))
	require.NoError(t, store.CreateJob(ctx, makeJob("low_new", 1, base.Add(time.Minute))))
	require.NoError(t, store.CreateJob(ctx, makeJob("high", 9, base)))

	page, err := store.ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 3)
	assert.Equal(t, "high", page.Jobs[0].ID)
	assert.Equal(t, "low_new", page.Jobs[1].ID)
	assert.Equal(t, "low_old", page.Jobs[2].ID)
	assert.Empty(t, page.NextCursor)
}

func TestJobStorageListJobsCursorPagination(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 7; i++ {
		job := makeJob(fmt.Sprintf("job_%d", i), i%3, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.CreateJob(ctx, job))
	}

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := store.ListJobs(ctx, &interfaces.JobFilter{Limit: 3, Cursor: cursor})
		require.NoError(t, err)
		for _, j := range page.Jobs {
			assert.False(t, seen[j.ID], "job %s appeared on two pages", j.ID)
			seen[j.ID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 7, len(seen))
	assert.Equal(t, 3, pages)
}

func TestJobStorageListJobsFilters(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	a := makeJob("a", 0, time.Now())
	a.Type = "crawl"
	a.SessionID = "s1"
	b := makeJob("b", 0, time.Now())
	b.Type = "index"
	b.SessionID = "s2"
	b.Status = models.JobStatusCompleted
	require.NoError(t, store.CreateJob(ctx, a))
	require.NoError(t, store.CreateJob(ctx, b))

	page, err := store.ListJobs(ctx, &interfaces.JobFilter{Type: "crawl"})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "a", page.Jobs[0].ID)

	page, err = store.ListJobs(ctx, &interfaces.JobFilter{Status: models.JobStatusCompleted})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "b", page.Jobs[0].ID)

	page, err = store.ListJobs(ctx, &interfaces.JobFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "a", page.Jobs[0].ID)
}

func TestJobStorageListRunnable(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()
	now := time.Now()
	base := now.Add(-time.Hour)

	// Scheduling order is priority DESC, createdAt ASC
	require.NoError(t, store.CreateJob(ctx, makeJob("old_low", 1, base)))
	require.NoError(t, store.CreateJob(ctx, makeJob("new_low", 1, base.Add(time.Minute))))
	require.NoError(t, store.CreateJob(ctx, makeJob("high", 9, base.Add(2*time.Minute))))

	running := makeJob("running", 9, base)
	running.Status = models.JobStatusRunning
	require.NoError(t, store.CreateJob(ctx, running))

	deferred := makeJob("deferred", 9, base)
	future := now.Add(time.Hour)
	deferred.Retry.NextRetryAt = &future
	require.NoError(t, store.CreateJob(ctx, deferred))

	due := makeJob("due", 9, base.Add(3*time.Minute))
	past := now.Add(-time.Minute)
	due.Retry.NextRetryAt = &past
	require.NoError(t, store.CreateJob(ctx, due))

	runnable, err := store.ListRunnable(ctx, 10, now)
	require.NoError(t, err)

	ids := make([]string, len(runnable))
	for i, j := range runnable {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"high", "due", "old_low", "new_low"}, ids)
}

func TestJobStorageListRunnableLimit(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateJob(ctx, makeJob(fmt.Sprintf("j%d", i), 0, time.Now())))
	}

	runnable, err := store.ListRunnable(ctx, 2, time.Now())
	require.NoError(t, err)
	assert.Len(t, runnable, 2)
}

func TestJobStorageTransition(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, makeJob("job_t", 0, time.Now())))

	updated, err := store.Transition(ctx, "job_t", func(j *models.Job) error {
		j.MarkStarted()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)
	assert.NotNil(t, updated.StartedAt)

	got, err := store.GetJob(ctx, "job_t")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestJobStorageTransitionAbortsOnError(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, makeJob("job_a", 0, time.Now())))

	_, err := store.Transition(ctx, "job_a", func(j *models.Job) error {
		j.Status = models.JobStatusFailed
		return fmt.Errorf("refuse")
	})
	require.Error(t, err)

	got, err := store.GetJob(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status, "aborted mutate must not persist")
}

func TestJobStorageCheckpoint(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, makeJob("job_c", 0, time.Now())))

	cp, err := store.GetCheckpoint(ctx, "job_c")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.SaveCheckpoint(ctx, "job_c", map[string]interface{}{"offset": float64(42)}))

	cp, err = store.GetCheckpoint(ctx, "job_c")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, float64(42), cp.State["offset"])
}

func TestJobStorageMarkRunningJobsAsPending(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	running := makeJob("stranded", 0, time.Now())
	running.Status = models.JobStatusRunning
	now := time.Now()
	running.StartedAt = &now
	require.NoError(t, store.CreateJob(ctx, running))
	require.NoError(t, store.CreateJob(ctx, makeJob("pending", 0, time.Now())))

	count, err := store.MarkRunningJobsAsPending(ctx, "recovered after restart")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetJob(ctx, "stranded")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestJobStorageCleanup(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	expired := makeJob("expired", 0, time.Now().Add(-48*time.Hour))
	expired.Status = models.JobStatusCompleted
	old := time.Now().Add(-36 * time.Hour)
	expired.CompletedAt = &old
	require.NoError(t, store.CreateJob(ctx, expired))

	fresh := makeJob("fresh", 0, time.Now())
	fresh.Status = models.JobStatusCompleted
	recent := time.Now().Add(-time.Hour)
	fresh.CompletedAt = &recent
	require.NoError(t, store.CreateJob(ctx, fresh))

	oldFailed := makeJob("old_failed", 0, time.Now().Add(-48*time.Hour))
	oldFailed.Status = models.JobStatusFailed
	oldFailed.CompletedAt = &old
	require.NoError(t, store.CreateJob(ctx, oldFailed))

	// Failed retention is longer than completed retention
	deleted, err := store.Cleanup(ctx, 24*time.Hour, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.GetJob(ctx, "expired")
	assert.Error(t, err)
	_, err = store.GetJob(ctx, "fresh")
	assert.NoError(t, err)
	_, err = store.GetJob(ctx, "old_failed")
	assert.NoError(t, err)
}

func TestJobStorageDeleteJob(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, makeJob("gone", 0, time.Now())))
	require.NoError(t, store.DeleteJob(ctx, "gone"))
	_, err := store.GetJob(ctx, "gone")
	assert.Error(t, err)

	// Deleting a missing job is not an error
	require.NoError(t, store.DeleteJob(ctx, "never_existed"))
}

func TestJobStorageCountByStatus(t *testing.T) {
	store := newTestJobStorage(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, makeJob("p1", 0, time.Now())))
	require.NoError(t, store.CreateJob(ctx, makeJob("p2", 0, time.Now())))
	done := makeJob("d1", 0, time.Now())
	done.Status = models.JobStatusCompleted
	require.NoError(t, store.CreateJob(ctx, done))

	count, err := store.CountByStatus(ctx, models.JobStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountByStatus(ctx, models.JobStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
