package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 1024
)

// anthropicProvider asks questions through the Anthropic Messages API.
type anthropicProvider struct {
	cfg    Config
	client anthropic.Client

	maxRetries int
	retryDelay time.Duration
}

// NewAnthropic creates a provider backed by the Anthropic API. The Messages
// API requires a max token budget, so an unset MaxTokens gets a default
// rather than failing every request.
func NewAnthropic(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("assistant: anthropic provider requires api_key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicProvider{
		cfg:        cfg,
		client:     anthropic.NewClient(options...),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Ask(ctx context.Context, question string) (*Answer, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(question)),
		},
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(p.cfg.Temperature)
	}
	if p.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.cfg.SystemPrompt}}
	}

	start := time.Now()

	var message *anthropic.Message
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(attempt)
			slog.Warn("assistant: retrying anthropic request",
				"model", p.cfg.Model,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		message, lastErr = p.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryableAnthropicError(lastErr) {
			return nil, fmt.Errorf("%w: %v", ErrRequestFailed, lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: max retries exceeded: %v", ErrUnavailable, lastErr)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return nil, fmt.Errorf("%w: response contained no answer text", ErrRequestFailed)
	}

	inTokens := int(message.Usage.InputTokens)
	outTokens := int(message.Usage.OutputTokens)
	return &Answer{
		Text:             answer,
		Model:            string(message.Model),
		PromptTokens:     inTokens,
		CompletionTokens: outTokens,
		TotalTokens:      inTokens + outTokens,
		Elapsed:          time.Since(start),
	}, nil
}

// retryableAnthropicError reports whether the SDK error is transient.
// 529 is the Anthropic overloaded status.
func retryableAnthropicError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 503, 504, 529:
			return true
		}
		return false
	}
	return true
}
