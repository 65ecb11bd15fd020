// Package store persists run history and invocation records.
//
// Two backends: an in-memory store for tests and ephemeral deployments,
// and a sqlite store for durable run history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// RunRecord is the persisted view of a run.
type RunRecord struct {
	ID               string     `json:"id"`
	Goal             string     `json:"goal"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Cost             float64    `json:"cost"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	Calls            int        `json:"calls"`
	Summary          string     `json:"summary,omitempty"`
	SummaryVersion   int        `json:"summary_version,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
}

// InvocationRecord is one governed model call, persisted for audit.
type InvocationRecord struct {
	ID               string        `json:"id"`
	RunID            string        `json:"run_id"`
	StepID           string        `json:"step_id,omitempty"`
	Role             string        `json:"role"`
	ModelID          string        `json:"model_id"`
	RouteReason      string        `json:"route_reason"`
	Attempt          int           `json:"attempt"`
	Status           string        `json:"status"`
	InputDigest      string        `json:"input_digest"`
	Latency          time.Duration `json:"latency"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Cost             float64       `json:"cost"`
	StartedAt        time.Time     `json:"started_at"`
	Error            string        `json:"error,omitempty"`
}

// Store persists runs and invocation records. Implementations must be
// safe for concurrent use.
type Store interface {
	// SaveRun inserts or replaces a run record.
	SaveRun(ctx context.Context, run *RunRecord) error
	// GetRun returns ErrNotFound for unknown ids.
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
	// AppendInvocation records one governed model call.
	AppendInvocation(ctx context.Context, inv *InvocationRecord) error
	// ListInvocations returns a run's invocations in append order.
	ListInvocations(ctx context.Context, runID string) ([]*InvocationRecord, error)
	Close() error
}
