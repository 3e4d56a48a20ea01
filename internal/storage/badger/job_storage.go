package badger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger.
//
// BadgerHold upserts are atomic per record but read-modify-write sequences
// are not, so all status transitions funnel through Transition which holds
// a storage-level mutex. Multiple executor goroutines write concurrently;
// the mutex is the serialization boundary the scheduler relies on.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex // serializes read-modify-write job updates
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Type == "" {
		return fmt.Errorf("job type is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// jobCursor encodes the sort key of the last job on a page. It is opaque
// to callers: base64 over a small JSON record.
type jobCursor struct {
	Priority  int       `json:"p"`
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func encodeJobCursor(j *models.Job) string {
	data, _ := json.Marshal(jobCursor{Priority: j.Priority, CreatedAt: j.CreatedAt, ID: j.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeJobCursor(cursor string) (*jobCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var c jobCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &c, nil
}

// listingLess orders jobs priority DESC, createdAt DESC, id ASC (user
// listings); the id tiebreak keeps the order total so cursor pages never
// duplicate or skip rows under stable data.
func listingLess(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// schedulingLess orders jobs priority DESC, createdAt ASC, id ASC
func schedulingLess(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *JobStorage) ListJobs(ctx context.Context, filter *interfaces.JobFilter) (*interfaces.JobPage, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter != nil {
		if filter.Type != "" {
			query = query.And("Type").Eq(filter.Type)
		}
		if filter.Status != "" {
			query = query.And("Status").Eq(filter.Status)
		}
		if filter.SessionID != "" {
			query = query.And("SessionID").Eq(filter.SessionID)
		}
		if filter.AgentID != "" {
			query = query.And("AgentID").Eq(filter.AgentID)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	sort.Slice(result, func(i, j int) bool { return listingLess(result[i], result[j]) })

	// Resume after the cursor key from the previous page
	if filter != nil && filter.Cursor != "" {
		after, err := decodeJobCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		marker := &models.Job{ID: after.ID, Priority: after.Priority, CreatedAt: after.CreatedAt}
		idx := sort.Search(len(result), func(i int) bool {
			return !listingLess(result[i], marker) && result[i].ID != marker.ID
		})
		result = result[idx:]
	}

	page := &interfaces.JobPage{}
	limit := 0
	if filter != nil {
		limit = filter.Limit
	}
	if limit > 0 && len(result) > limit {
		page.Jobs = result[:limit]
		page.NextCursor = encodeJobCursor(result[limit-1])
	} else {
		page.Jobs = result
	}
	return page, nil
}

func (s *JobStorage) ListRunnable(ctx context.Context, limit int, now time.Time) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusPending)); err != nil {
		return nil, fmt.Errorf("failed to list runnable jobs: %w", err)
	}

	runnable := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		if job.Retry.NextRetryAt != nil && job.Retry.NextRetryAt.After(now) {
			continue
		}
		runnable = append(runnable, job)
	}
	sort.Slice(runnable, func(i, j int) bool { return schedulingLess(runnable[i], runnable[j]) })

	if limit > 0 && len(runnable) > limit {
		runnable = runnable[:limit]
	}
	return runnable, nil
}

func (s *JobStorage) Transition(ctx context.Context, jobID string, mutate func(job *models.Job) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := mutate(&job); err != nil {
		return nil, err
	}

	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error {
	_, err := s.Transition(ctx, jobID, func(job *models.Job) error {
		job.Progress = progress
		return nil
	})
	return err
}

func (s *JobStorage) SaveCheckpoint(ctx context.Context, jobID string, state map[string]interface{}) error {
	_, err := s.Transition(ctx, jobID, func(job *models.Job) error {
		job.Checkpoint = &models.JobCheckpoint{
			State:     state,
			UpdatedAt: time.Now(),
		}
		return nil
	})
	return err
}

func (s *JobStorage) GetCheckpoint(ctx context.Context, jobID string) (*models.JobCheckpoint, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Checkpoint, nil
}

func (s *JobStorage) CountByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) MarkRunningJobsAsPending(ctx context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusRunning)); err != nil {
		return 0, fmt.Errorf("failed to find running jobs: %w", err)
	}

	count := 0
	for i := range jobs {
		job := &jobs[i]
		job.Status = models.JobStatusPending
		job.StartedAt = nil
		job.Progress.Message = reason
		if err := s.db.Store().Upsert(job.ID, job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reset stranded job")
			continue
		}
		count++
	}
	return count, nil
}

func (s *JobStorage) Cleanup(ctx context.Context, completedRetention, failedRetention time.Duration) (int, error) {
	now := time.Now()
	deleted := 0

	for _, target := range []struct {
		status models.JobStatus
		cutoff time.Time
	}{
		{models.JobStatusCompleted, now.Add(-completedRetention)},
		{models.JobStatusFailed, now.Add(-failedRetention)},
	} {
		var jobs []models.Job
		if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(target.status)); err != nil {
			return deleted, fmt.Errorf("failed to find %s jobs: %w", target.status, err)
		}
		for i := range jobs {
			job := &jobs[i]
			if job.CompletedAt == nil || job.CompletedAt.After(target.cutoff) {
				continue
			}
			if err := s.db.Store().Delete(job.ID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
				return deleted, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("Job cleanup removed expired jobs")
	}
	return deleted, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
