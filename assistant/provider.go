// Package assistant adapts the external conversational assistant under test
// behind a single Ask interface. The harness never cares how the answer was
// produced, only that a question goes in and answer text comes out with
// enough metadata to attribute cost and latency.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable marks transport-level failures: the endpoint could not
	// be reached or kept failing after retries.
	ErrUnavailable = errors.New("assistant: endpoint unavailable")

	// ErrRequestFailed marks a reachable endpoint returning a non-success
	// response or a payload with no usable answer text.
	ErrRequestFailed = errors.New("assistant: request failed")
)

// Answer is one assistant reply with its cost and latency metadata.
type Answer struct {
	Text             string        `json:"text"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	TotalTokens      int           `json:"total_tokens,omitempty"`
	Elapsed          time.Duration `json:"-"`
}

// Provider submits questions to an assistant implementation.
type Provider interface {
	// Ask sends one question and returns the assistant's reply.
	Ask(ctx context.Context, question string) (*Answer, error)

	// Name identifies the provider for logging and metrics.
	Name() string
}

// Config configures an assistant provider.
type Config struct {
	Provider     string  `json:"provider" yaml:"provider" env:"PROVIDER"` // http, openai, anthropic, mock
	Model        string  `json:"model" yaml:"model" env:"MODEL"`
	BaseURL      string  `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	APIKey       string  `json:"api_key" yaml:"api_key" env:"API_KEY"`
	SystemPrompt string  `json:"system_prompt" yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature  float64 `json:"temperature" yaml:"temperature" env:"TEMPERATURE"`
}

// NewProvider creates an assistant provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "http", "custom":
		return NewHTTP(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	case "mock":
		return NewMock(), nil
	case "":
		return nil, fmt.Errorf("assistant provider not specified")
	default:
		return nil, fmt.Errorf("unknown assistant provider: %s", cfg.Provider)
	}
}
