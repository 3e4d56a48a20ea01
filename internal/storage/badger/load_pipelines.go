package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	"gopkg.in/yaml.v3"
)

// LoadPipelinesFromFiles loads pipeline definitions from TOML, YAML, or
// JSON files in the specified directory. Existing pipelines with the same
// id are updated with a version bump; invalid definitions are skipped.
func LoadPipelinesFromFiles(ctx context.Context, storage interfaces.PipelineStorage, definitionsDir string, logger arbor.ILogger) error {
	if _, err := os.Stat(definitionsDir); os.IsNotExist(err) {
		logger.Debug().Str("dir", definitionsDir).Msg("Pipeline definitions directory does not exist, skipping")
		return nil
	}

	logger.Info().Str("dir", definitionsDir).Msg("Loading pipeline definitions from files")

	entries, err := os.ReadDir(definitionsDir)
	if err != nil {
		return fmt.Errorf("failed to read pipeline definitions directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".toml" && ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		filePath := filepath.Join(definitionsDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read pipeline definition file")
			continue
		}

		var pipeline models.Pipeline
		switch ext {
		case ".toml":
			err = toml.Unmarshal(data, &pipeline)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &pipeline)
		case ".json":
			err = json.Unmarshal(data, &pipeline)
		}
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse pipeline definition")
			continue
		}

		if pipeline.ID == "" {
			pipeline.ID = common.NewPipelineID()
		}
		if err := pipeline.Validate(); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("pipeline_id", pipeline.ID).Msg("Pipeline definition validation failed, skipping")
			continue
		}

		now := time.Now()
		existing, err := storage.GetPipeline(ctx, pipeline.ID)
		if err == nil && existing != nil {
			pipeline.Version = existing.Version + 1
			pipeline.Stats = existing.Stats
			pipeline.CreatedAt = existing.CreatedAt
			pipeline.UpdatedAt = now
		} else {
			pipeline.Version = 1
			pipeline.CreatedAt = now
			pipeline.UpdatedAt = now
		}

		if err := storage.SavePipeline(ctx, &pipeline); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("pipeline_id", pipeline.ID).Msg("Failed to save pipeline definition")
			continue
		}

		logger.Info().Str("file", entry.Name()).Str("pipeline_id", pipeline.ID).Str("name", pipeline.Name).Msg("Pipeline definition loaded from file")
		loadedCount++
	}

	if loadedCount > 0 {
		logger.Info().Int("count", loadedCount).Msg("Pipeline definitions loaded from files")
	} else {
		logger.Debug().Msg("No pipeline definitions loaded from files")
	}

	return nil
}
