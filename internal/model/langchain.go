package model

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// LangchainClient implements Completer through langchaingo's openai
// binding. It exists for gateways whose behavior drifts from the plain
// chat completions API; langchaingo tracks those quirks upstream.
type LangchainClient struct {
	llm *openai.LLM
}

// NewLangchainClient creates a langchaingo-backed completion client.
func NewLangchainClient(cfg Config) (*LangchainClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key required")
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchain client: %w", err)
	}
	return &LangchainClient{llm: llm}, nil
}

// Complete performs a single call through langchaingo.
func (l *LangchainClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	messages := langchainMessages(req)

	start := time.Now()
	resp, err := l.llm.GenerateContent(ctx, messages,
		llms.WithModel(req.Model),
		llms.WithMaxTokens(req.MaxTokens),
		llms.WithTemperature(req.Temperature),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Message: err.Error(), err: err}
		}
		return nil, &Error{Kind: KindNetwork, Message: err.Error(), err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindMalformed, Message: "empty response from API"}
	}

	choice := resp.Choices[0]
	usage := Usage{
		PromptTokens:     intFromGenerationInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intFromGenerationInfo(choice.GenerationInfo, "CompletionTokens"),
	}
	usage.CostEstimate = EstimateCost(req.Model, usage.PromptTokens, usage.CompletionTokens)

	return &Completion{
		Text:    choice.Content,
		Model:   req.Model,
		Usage:   usage,
		Latency: time.Since(start),
		StopWhy: choice.StopReason,
	}, nil
}

// langchainMessages converts a completion request into langchaingo's
// message format.
func langchainMessages(req CompletionRequest) []llms.MessageContent {
	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		role := schema.ChatMessageTypeHuman
		if m.Role == "assistant" {
			role = schema.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}
	return messages
}

func intFromGenerationInfo(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
