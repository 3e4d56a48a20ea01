package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
)

// Manager implements the StorageManager interface over a single BadgerDB
type Manager struct {
	db              *BadgerDB
	logger          arbor.ILogger
	jobStorage      interfaces.JobStorage
	jobLogStorage   interfaces.JobLogStorage
	pipelineStorage interfaces.PipelineStorage
}

// NewManager opens the database and wires up all storage services
func NewManager(config *common.BadgerConfig, logger arbor.ILogger) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &Manager{
		db:              db,
		logger:          logger,
		jobStorage:      NewJobStorage(db, logger),
		jobLogStorage:   NewJobLogStorage(db, logger),
		pipelineStorage: NewPipelineStorage(db, logger),
	}, nil
}

// JobStorage returns the job storage service
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobStorage
}

// JobLogStorage returns the job log storage service
func (m *Manager) JobLogStorage() interfaces.JobLogStorage {
	return m.jobLogStorage
}

// PipelineStorage returns the pipeline storage service
func (m *Manager) PipelineStorage() interfaces.PipelineStorage {
	return m.pipelineStorage
}

// Close closes the underlying database
func (m *Manager) Close() error {
	return m.db.Close()
}
