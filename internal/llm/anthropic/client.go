// Package anthropic adapts the Anthropic Messages API to the crawler.LLM
// interface used by the extraction engine's fallback stage.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 4096
)

const defaultSystem = "You extract structured automotive product, offer, and banner data from web pages. " +
	"Respond with a single JSON object and nothing else."

// Config controls the Messages API client.
type Config struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	MaxTokens  int64         `mapstructure:"max_tokens"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	System     string        `mapstructure:"system"`
}

// Client completes prompts through the Messages API.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	logger    *zap.Logger
}

var _ crawler.LLM = (*Client)(nil)

// New builds a Client. The API key is required.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm.api_key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.System == "" {
		cfg.System = defaultSystem
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		system:    cfg.System,
		logger:    logger.Named("llm"),
	}, nil
}

// Complete sends prompt as a single user turn and returns the concatenated
// text blocks of the reply.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: c.system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages.new: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	c.logger.Debug("llm completion",
		zap.String("model", string(msg.Model)),
		zap.String("stop_reason", string(msg.StopReason)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Duration("latency", time.Since(start)),
	)
	if b.Len() == 0 {
		return "", fmt.Errorf("messages.new: reply had no text content")
	}
	return b.String(), nil
}
