//go:generate go run go.uber.org/mock/mockgen -source=client.go -destination=../mocks/mock_llm.go -package=mocks

// Package llm provides clients for conversational-AI endpoints.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrMissingAPIKey is returned when a provider is selected without a key.
var ErrMissingAPIKey = errors.New("API key is required")

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// CompletionRequest is a single request to the endpoint. System carries the
// role context; Messages holds the user utterance.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage is one message sent to the endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse is the endpoint reply.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for AI providers.
type Client interface {
	// Complete sends a request and returns the whole reply.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a request and reports tokens as they arrive.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of AI provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

const defaultMaxTokens = 4096

// NewClient creates a client for provider. An empty key yields
// ErrMissingAPIKey so callers can run without an AI endpoint.
func NewClient(provider Provider, apiKey string) (Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrMissingAPIKey)
	}
	switch provider {
	case ProviderAnthropic, "":
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", provider)
	}
}

func maxTokens(req *CompletionRequest) int {
	if req.MaxTokens == 0 {
		return defaultMaxTokens
	}
	return req.MaxTokens
}
