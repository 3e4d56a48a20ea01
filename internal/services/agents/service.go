// -----------------------------------------------------------------------
// Agents - Claude-backed driver for agent_task steps
// -----------------------------------------------------------------------

package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192
	defaultTimeout   = 5 * time.Minute
)

// Service implements interfaces.AgentService against the Anthropic API.
// Each request is a single completion; the agent terminates when the
// completion returns.
type Service struct {
	config    *common.AgentConfig
	logger    arbor.ILogger
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// NewService creates the agent driver. The API key comes from config with
// an ANTHROPIC_API_KEY environment fallback applied at config load.
func NewService(cfg *common.AgentConfig, logger arbor.ILogger) (*Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required for the agent driver (set ANTHROPIC_API_KEY or agent.api_key)")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid agent timeout duration '%s': %w", cfg.Timeout, err)
		}
		timeout = parsed
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	service := &Service{
		config:    cfg,
		logger:    logger,
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
	}

	logger.Debug().
		Str("model", model).
		Int("max_tokens", maxTokens).
		Float32("temperature", cfg.Temperature).
		Str("timeout", timeout.String()).
		Msg("Agent driver initialized")

	return service, nil
}

// Submit starts the agent and returns immediately; the completion runs in
// the background and its outcome is only logged
func (s *Service) Submit(ctx context.Context, req interfaces.AgentRequest) (*interfaces.AgentSubmission, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("agent prompt cannot be empty")
	}

	agentID := common.NewAgentID()
	messageID := common.NewCorrelationID()

	go func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeoutFor(req))
		defer cancel()

		_, output, err := s.complete(runCtx, req)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Background agent task failed")
			return
		}
		s.logger.Info().
			Str("agent_id", agentID).
			Int("output_length", len(output)).
			Msg("Background agent task completed")
	}()

	return &interfaces.AgentSubmission{
		AgentID:   agentID,
		MessageID: messageID,
		Status:    "submitted",
	}, nil
}

// Run executes the agent to completion and terminates it before returning
func (s *Service) Run(ctx context.Context, req interfaces.AgentRequest) (*interfaces.AgentResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("agent prompt cannot be empty")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(req))
	defer cancel()

	started := time.Now()
	resp, output, err := s.complete(runCtx, req)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Int("output_length", len(output)).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("Agent task completed")

	return &interfaces.AgentResult{
		AgentID:    common.NewAgentID(),
		MessageID:  resp.ID,
		Output:     output,
		StopReason: string(resp.StopReason),
	}, nil
}

func (s *Service) timeoutFor(req interfaces.AgentRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return s.timeout
}

// complete issues one Messages API call and concatenates the text blocks
func (s *Service) complete(ctx context.Context, req interfaces.AgentRequest) (*anthropic.Message, string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	prompt := req.Prompt
	if req.WorkingDirectory != "" {
		prompt = "Working directory: " + req.WorkingDirectory + "\n\n" + prompt
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if s.config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(s.config.Temperature))
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, "", fmt.Errorf("agent API call failed: %w", err)
	}

	var output strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			output.WriteString(block.Text)
		}
	}
	if output.Len() == 0 {
		return nil, "", fmt.Errorf("agent returned no text output")
	}
	return resp, output.String(), nil
}
