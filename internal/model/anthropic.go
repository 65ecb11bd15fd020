package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	defaultTimeout   = 60 * time.Second
	defaultRateLimit = 2.0 // requests per second
	defaultBurst     = 5
)

// AnthropicClient implements Completer against the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string `json:"-"` // Never serialize API keys
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewAnthropicClient creates an Anthropic completion client.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultBurst
	}

	return &AnthropicClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs a single call to the Messages API. Transient failures
// are returned as *Error with a retryable kind; the caller owns retries.
func (a *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	apiReq := anthropicRequest{
		Model:       nativeModelID(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      req.System,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	jsonData, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Message: err.Error(), err: err}
		}
		return nil, &Error{Kind: KindNetwork, Message: err.Error(), err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "failed to read response", err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var errResp anthropicError
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, &Error{Kind: classifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "failed to parse response", err: err}
	}
	if len(apiResp.Content) == 0 {
		return nil, &Error{Kind: KindMalformed, Message: "empty response from API"}
	}

	usage := Usage{
		PromptTokens:     apiResp.Usage.InputTokens,
		CompletionTokens: apiResp.Usage.OutputTokens,
	}
	usage.CostEstimate = EstimateCost(req.Model, usage.PromptTokens, usage.CompletionTokens)

	return &Completion{
		Text:    apiResp.Content[0].Text,
		Model:   req.Model,
		Usage:   usage,
		Latency: time.Since(start),
		StopWhy: apiResp.StopReason,
	}, nil
}
