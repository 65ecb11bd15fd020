package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"rate limited", &Error{Kind: KindRateLimited}, true},
		{"server", &Error{Kind: KindServer, StatusCode: 503}, true},
		{"network", &Error{Kind: KindNetwork}, true},
		{"auth", &Error{Kind: KindAuth, StatusCode: 401}, false},
		{"bad request", &Error{Kind: KindBadRequest, StatusCode: 400}, false},
		{"malformed", &Error{Kind: KindMalformed}, false},
		{"wrapped", fmt.Errorf("call failed: %w", &Error{Kind: KindServer}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{500, KindServer},
		{502, KindServer},
		{401, KindAuth},
		{403, KindAuth},
		{400, KindBadRequest},
		{404, KindBadRequest},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestEstimateCost(t *testing.T) {
	// 1000 prompt + 1000 completion tokens of gpt-4 is $0.09.
	got := EstimateCost("openai/gpt-4", 1000, 1000)
	if got < 0.089 || got > 0.091 {
		t.Errorf("EstimateCost = %v, want ~0.09", got)
	}

	// Unknown models use the fallback pricing, never zero.
	if EstimateCost("acme/widget-1", 1000, 0) == 0 {
		t.Error("unknown model estimated zero cost")
	}
}

func TestNativeModelID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"anthropic/claude-2", "claude-2"},
		{"openai/gpt-4", "gpt-4"},
		{"gpt-4", "gpt-4"},
	}
	for _, tt := range tests {
		if got := nativeModelID(tt.in); got != tt.want {
			t.Errorf("nativeModelID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
