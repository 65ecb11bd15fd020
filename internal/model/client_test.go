package model

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/schema"
)

func anthropicServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := anthropicServer(t, http.StatusOK, `{
		"content": [{"type": "text", "text": "hello"}],
		"model": "claude-2",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 100, "output_tokens": 50}
	}`)
	defer srv.Close()

	client, err := NewAnthropicClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	comp, err := client.Complete(context.Background(), CompletionRequest{
		Model:     "anthropic/claude-2",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", comp.Text)
	assert.Equal(t, "anthropic/claude-2", comp.Model)
	assert.Equal(t, 100, comp.Usage.PromptTokens)
	assert.Equal(t, 50, comp.Usage.CompletionTokens)
	assert.Greater(t, comp.Usage.CostEstimate, 0.0)
	assert.Equal(t, "end_turn", comp.StopWhy)
}

func TestAnthropicClient_RateLimited(t *testing.T) {
	srv := anthropicServer(t, http.StatusTooManyRequests, `{"error": {"type": "rate_limit_error", "message": "slow down"}}`)
	defer srv.Close()

	client, err := NewAnthropicClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{Model: "anthropic/claude-2"})
	require.Error(t, err)

	var me *Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, KindRateLimited, me.Kind)
	assert.True(t, me.Retryable())
	assert.Contains(t, me.Message, "slow down")
}

func TestAnthropicClient_RequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicClient(Config{})
	require.Error(t, err)
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"model": "openai/gpt-4",
			"choices": [{"message": {"content": "done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 200, "completion_tokens": 80}
		}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	comp, err := client.Complete(context.Background(), CompletionRequest{
		Model:    "openai/gpt-4",
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "done", comp.Text)
	assert.Equal(t, 200, comp.Usage.PromptTokens)
	assert.Equal(t, 80, comp.Usage.CompletionTokens)
	assert.Equal(t, "stop", comp.StopWhy)
}

func TestOpenAIClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{Model: "openai/gpt-4"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, KindServer, KindOf(err))
}

func TestOpenAIClient_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"type": "auth", "message": "bad key"}}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{APIKey: "bad-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{Model: "openai/gpt-4"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, KindAuth, KindOf(err))
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{Model: "openai/gpt-4"})
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestLangchainMessages_RoleMapping(t *testing.T) {
	msgs := langchainMessages(CompletionRequest{
		System: "be terse",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.ChatMessageTypeSystem, msgs[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, msgs[1].Role)
	assert.Equal(t, schema.ChatMessageTypeAI, msgs[2].Role)
}

func TestNewCompleter(t *testing.T) {
	tests := []struct {
		provider string
		wantErr  bool
	}{
		{"anthropic", false},
		{"openai", false},
		{"langchain", false},
		{"acme", true},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			_, err := NewCompleter(Config{Provider: tt.provider, APIKey: "k"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
