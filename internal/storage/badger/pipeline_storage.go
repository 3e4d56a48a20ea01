package badger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PipelineStorage implements the PipelineStorage interface for Badger
type PipelineStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex // serializes pipeline stat updates
}

// NewPipelineStorage creates a new PipelineStorage instance
func NewPipelineStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PipelineStorage {
	return &PipelineStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PipelineStorage) SavePipeline(ctx context.Context, p *models.Pipeline) error {
	if p.ID == "" {
		return fmt.Errorf("pipeline ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Store().Upsert(p.ID, p); err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}
	return nil
}

func (s *PipelineStorage) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := s.db.Store().Get(id, &p); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("pipeline not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return &p, nil
}

// pipelineCursor encodes the (createdAt, id) key of the last pipeline on a
// page; listings sort createdAt DESC with id tiebreak.
type pipelineCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func pipelineLess(a, b *models.Pipeline) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *PipelineStorage) ListPipelines(ctx context.Context, filter *interfaces.PipelineFilter) (*interfaces.PipelinePage, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter != nil {
		if filter.Enabled != nil {
			query = query.And("Enabled").Eq(*filter.Enabled)
		}
		if filter.OwnerID != "" {
			query = query.And("OwnerID").Eq(filter.OwnerID)
		}
	}

	var pipelines []models.Pipeline
	if err := s.db.Store().Find(&pipelines, query); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	result := make([]*models.Pipeline, 0, len(pipelines))
	for i := range pipelines {
		p := &pipelines[i]
		if filter != nil {
			if len(filter.Tags) > 0 && !p.HasTag(filter.Tags) {
				continue
			}
			if filter.NameContains != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.NameContains)) {
				continue
			}
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return pipelineLess(result[i], result[j]) })

	if filter != nil && filter.Cursor != "" {
		data, err := base64.RawURLEncoding.DecodeString(filter.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		var c pipelineCursor
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		marker := &models.Pipeline{ID: c.ID, CreatedAt: c.CreatedAt}
		idx := sort.Search(len(result), func(i int) bool {
			return !pipelineLess(result[i], marker) && result[i].ID != marker.ID
		})
		result = result[idx:]
	}

	page := &interfaces.PipelinePage{}
	limit := 0
	if filter != nil {
		limit = filter.Limit
	}
	if limit > 0 && len(result) > limit {
		page.Pipelines = result[:limit]
		last := result[limit-1]
		data, _ := json.Marshal(pipelineCursor{CreatedAt: last.CreatedAt, ID: last.ID})
		page.NextCursor = base64.RawURLEncoding.EncodeToString(data)
	} else {
		page.Pipelines = result
	}
	return page, nil
}

func (s *PipelineStorage) DeletePipeline(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Pipeline{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("pipeline not found: %s", id)
		}
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	return nil
}

func (s *PipelineStorage) SaveRun(ctx context.Context, run *models.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := s.db.Store().Upsert(run.ID, run); err != nil {
		return fmt.Errorf("failed to save pipeline run: %w", err)
	}
	return nil
}

func (s *PipelineStorage) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	if err := s.db.Store().Get(id, &run); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("pipeline run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}
	return &run, nil
}

func (s *PipelineStorage) ListRuns(ctx context.Context, pipelineID string, limit int) ([]*models.PipelineRun, error) {
	var runs []models.PipelineRun
	if err := s.db.Store().Find(&runs, badgerhold.Where("PipelineID").Eq(pipelineID)); err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}

	result := make([]*models.PipelineRun, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *PipelineStorage) DeleteRuns(ctx context.Context, pipelineID string) error {
	if err := s.db.Store().DeleteMatching(&models.PipelineRun{}, badgerhold.Where("PipelineID").Eq(pipelineID)); err != nil {
		return fmt.Errorf("failed to delete pipeline runs: %w", err)
	}
	return nil
}
