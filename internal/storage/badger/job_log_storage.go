package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobLogStorage implements the JobLogStorage interface for Badger
type JobLogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobLogStorage creates a new JobLogStorage instance
func NewJobLogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobLogStorage {
	return &JobLogStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobLogStorage) AppendLog(ctx context.Context, entry *models.JobLog) error {
	if entry.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if entry.ID == "" {
		entry.ID = common.NewLogID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := s.db.Store().Insert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

func (s *JobLogStorage) GetLogs(ctx context.Context, jobID string, limit int) ([]*models.JobLog, error) {
	var logs []models.JobLog
	if err := s.db.Store().Find(&logs, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to get job logs: %w", err)
	}

	result := make([]*models.JobLog, len(logs))
	for i := range logs {
		result[i] = &logs[i]
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if limit > 0 && len(result) > limit {
		// Keep the most recent entries
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *JobLogStorage) DeleteLogs(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.JobLog{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete job logs: %w", err)
	}
	return nil
}
