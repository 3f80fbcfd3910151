package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// openaiProvider asks questions through the official OpenAI API using the
// go-openai SDK. Use the plain http provider instead for self-hosted gateways
// that merely speak the same wire format.
type openaiProvider struct {
	cfg    Config
	client *openai.Client

	maxRetries int
	retryDelay time.Duration
}

// NewOpenAI creates a provider backed by the OpenAI chat completion API.
// BaseURL is optional and overrides the SDK default, which makes the same
// adapter usable against OpenAI-compatible proxies that require SDK semantics.
func NewOpenAI(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("assistant: openai provider requires api_key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &openaiProvider{
		cfg:        cfg,
		client:     openai.NewClientWithConfig(clientConfig),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Ask(ctx context.Context, question string) (*Answer, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: question,
	})

	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: float32(p.cfg.Temperature),
	}
	if p.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = p.cfg.MaxTokens
	}

	start := time.Now()

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(attempt)
			slog.Warn("assistant: retrying openai request",
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

		resp, lastErr = p.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryableOpenAIError(lastErr) {
			return nil, fmt.Errorf("%w: %v", ErrRequestFailed, lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: max retries exceeded: %v", ErrUnavailable, lastErr)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", ErrRequestFailed)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("%w: response contained no answer text", ErrRequestFailed)
	}

	model := resp.Model
	if model == "" {
		model = p.cfg.Model
	}
	return &Answer{
		Text:             text,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Elapsed:          time.Since(start),
	}, nil
}

// retryableOpenAIError reports whether the SDK error is transient. API errors
// are retried on rate limits and server faults; transport errors are always
// retried because the SDK folds timeouts and connection resets into them.
func retryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	return true
}
