// Package llm abstracts the chat-completion providers the extraction and
// recommendation collaborators run on. Models are addressed as
// "provider/model_name", e.g. "openai/gpt-4o-mini".
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Client is a provider-agnostic chat-completion client.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Option configures a Client at construction.
type Option func(*clientOptions)

type clientOptions struct {
	baseURL     string
	temperature *float32
}

// WithBaseURL points the client at an alternative API endpoint. Used by
// tests and self-hosted gateways.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithTemperature pins the sampling temperature. The extraction agent
// runs at 0 so entity output stays deterministic.
func WithTemperature(temp float32) Option {
	return func(o *clientOptions) {
		o.temperature = &temp
	}
}

// ParseModel splits a "provider/model_name" reference.
func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

// NewClient builds a Client for the given provider.
func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}
