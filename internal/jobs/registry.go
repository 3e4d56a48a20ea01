package jobs

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
)

// HandlerRegistry maps job types to their registered handlers
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]interfaces.JobHandler
	logger   arbor.ILogger
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry(logger arbor.ILogger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]interfaces.JobHandler),
		logger:   logger,
	}
}

// Register installs a handler for a job type, replacing any existing one
func (r *HandlerRegistry) Register(jobType string, handler interfaces.JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
	r.logger.Debug().Str("job_type", jobType).Msg("Job handler registered")
}

// Get returns the handler for a job type
func (r *HandlerRegistry) Get(jobType string) (interfaces.JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
