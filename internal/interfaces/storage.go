package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

// JobFilter selects jobs for listing. The zero value matches everything.
type JobFilter struct {
	Type      string
	Status    models.JobStatus
	SessionID string
	AgentID   string
	Limit     int
	Cursor    string // opaque cursor from the previous page
}

// JobPage is one page of a job listing
type JobPage struct {
	Jobs       []*models.Job
	NextCursor string // empty when no further pages exist
}

// JobStorage persists jobs. Status transitions go through Transition so the
// status and its side-effect fields (error, attempts, retryNextAt,
// completedAt) are written as one record update.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs orders by priority DESC, createdAt DESC (user listings)
	ListJobs(ctx context.Context, filter *JobFilter) (*JobPage, error)

	// ListRunnable returns up to limit pending jobs whose retryNextAt is
	// unset or due, ordered by priority DESC, createdAt ASC
	ListRunnable(ctx context.Context, limit int, now time.Time) ([]*models.Job, error)

	// Transition atomically applies mutate to the stored job and persists
	// the result. Returning an error from mutate aborts the write.
	Transition(ctx context.Context, jobID string, mutate func(job *models.Job) error) (*models.Job, error)

	UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error
	SaveCheckpoint(ctx context.Context, jobID string, state map[string]interface{}) error
	GetCheckpoint(ctx context.Context, jobID string) (*models.JobCheckpoint, error)

	CountByStatus(ctx context.Context, status models.JobStatus) (int, error)

	// MarkRunningJobsAsPending resets jobs stranded in running after an
	// unclean shutdown; returns the number of jobs reset
	MarkRunningJobsAsPending(ctx context.Context, reason string) (int, error)

	// Cleanup deletes terminal jobs past their retention window; returns
	// the number of jobs removed
	Cleanup(ctx context.Context, completedRetention, failedRetention time.Duration) (int, error)

	DeleteJob(ctx context.Context, jobID string) error
}

// JobLogStorage persists append-only per-job log records
type JobLogStorage interface {
	AppendLog(ctx context.Context, entry *models.JobLog) error
	GetLogs(ctx context.Context, jobID string, limit int) ([]*models.JobLog, error)
	DeleteLogs(ctx context.Context, jobID string) error
}

// PipelineFilter selects pipelines for listing
type PipelineFilter struct {
	Tags         []string // any-of match
	Enabled      *bool
	OwnerID      string
	NameContains string
	Limit        int
	Cursor       string
}

// PipelinePage is one page of a pipeline listing, sorted createdAt DESC
type PipelinePage struct {
	Pipelines  []*models.Pipeline
	NextCursor string
}

// PipelineStorage persists pipeline definitions and their runs
type PipelineStorage interface {
	SavePipeline(ctx context.Context, p *models.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	ListPipelines(ctx context.Context, filter *PipelineFilter) (*PipelinePage, error)
	DeletePipeline(ctx context.Context, id string) error

	SaveRun(ctx context.Context, run *models.PipelineRun) error
	GetRun(ctx context.Context, id string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, pipelineID string, limit int) ([]*models.PipelineRun, error)
	DeleteRuns(ctx context.Context, pipelineID string) error
}

// StorageManager provides access to all storage services
type StorageManager interface {
	JobStorage() JobStorage
	JobLogStorage() JobLogStorage
	PipelineStorage() PipelineStorage
	Close() error
}
