// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"errors"
)

// Chat roles accepted by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrNoProvider is returned by the Static client when no provider is configured.
var ErrNoProvider = errors.New("no LLM provider configured")

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Options configures NewFromKeys.
type Options struct {
	Default         Provider
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string
}

// NewFromKeys builds the client chain for whatever keys are set. The
// default provider goes first and the other one backs it up. With no keys
// it returns a Static client that always fails.
func NewFromKeys(opts Options) Client {
	var clients []Client
	if opts.OpenAIAPIKey != "" {
		c, _ := NewOpenAIClient(opts.OpenAIAPIKey, opts.OpenAIModel)
		clients = append(clients, c)
	}
	if opts.AnthropicAPIKey != "" {
		c, _ := NewAnthropicClient(opts.AnthropicAPIKey, opts.AnthropicModel)
		if opts.Default == ProviderAnthropic {
			clients = append([]Client{c}, clients...)
		} else {
			clients = append(clients, c)
		}
	}

	if len(clients) == 0 {
		return Static{}
	}
	return NewFallback(clients...)
}

// Static is the client used when no provider is configured.
type Static struct{}

func (Static) Complete(context.Context, *CompletionRequest) (*CompletionResponse, error) {
	return nil, ErrNoProvider
}

func (Static) Name() string { return "none" }
