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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient implements Completer against the chat completions API.
// It also serves openai-compatible gateways like OpenRouter, which accept
// provider-prefixed model ids (anthropic/claude-2, openai/gpt-4).
type OpenAIClient struct {
	apiKey     string `json:"-"` // Never serialize API keys
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIClient creates an OpenAI-compatible completion client.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
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

	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs a single call to the chat completions API.
func (o *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	apiReq := openAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	jsonData, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	start := time.Now()
	resp, err := o.httpClient.Do(httpReq)
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
		var errResp openAIError
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, &Error{Kind: classifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "failed to parse response", err: err}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &Error{Kind: KindMalformed, Message: "empty response from API"}
	}

	usage := Usage{
		PromptTokens:     apiResp.Usage.PromptTokens,
		CompletionTokens: apiResp.Usage.CompletionTokens,
	}
	usage.CostEstimate = EstimateCost(req.Model, usage.PromptTokens, usage.CompletionTokens)

	return &Completion{
		Text:    apiResp.Choices[0].Message.Content,
		Model:   req.Model,
		Usage:   usage,
		Latency: time.Since(start),
		StopWhy: apiResp.Choices[0].FinishReason,
	}, nil
}
