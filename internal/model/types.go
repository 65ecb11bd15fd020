// Package model provides completion clients for the LLM providers autodevd
// can route calls to: Anthropic, OpenAI, and openai-compatible gateways
// (OpenRouter) via langchaingo.
//
// Clients perform exactly one API call per Complete invocation. Retries,
// timeouts, and budget accounting belong to the governor, not the client;
// clients only classify failures so the caller can decide.
package model

import (
	"context"
	"time"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// Usage reports token consumption and estimated cost for one call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostEstimate     float64 `json:"cost_estimate"`
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// Completion is the result of a successful call.
type Completion struct {
	Text     string        `json:"text"`
	Model    string        `json:"model"`
	Usage    Usage         `json:"usage"`
	Latency  time.Duration `json:"latency"`
	StopWhy  string        `json:"stop_reason,omitempty"`
}

// Completer generates a completion for a request. Implementations must be
// safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Config holds provider client configuration.
type Config struct {
	Provider    string  // "anthropic", "openai", or "langchain"
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	RateLimit   float64 // requests per second, 0 means default
	RateBurst   int
}
