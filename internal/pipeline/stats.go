package pipeline

import (
	"sync"

	"github.com/fyrsmithlabs/autodevd/internal/agent"
)

// AgentStats accumulates per-role execution counters across runs.
type AgentStats struct {
	Executions       int     `json:"executions"`
	Successes        int     `json:"successes"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Stats is a snapshot of orchestrator-level statistics.
type Stats struct {
	RunsStarted   int                   `json:"runs_started"`
	RunsSucceeded int                   `json:"runs_succeeded"`
	RunsFailed    int                   `json:"runs_failed"`
	RunsAborted   int                   `json:"runs_aborted"`
	ActiveRuns    int                   `json:"active_runs"`
	Agents        map[string]AgentStats `json:"agents"`
}

// statsTracker is the mutable accumulator behind Stats.
type statsTracker struct {
	mu     sync.Mutex
	stats  Stats
	agents map[agent.Role]*AgentStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{agents: make(map[agent.Role]*AgentStats)}
}

func (t *statsTracker) runStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.RunsStarted++
	t.stats.ActiveRuns++
}

func (t *statsTracker) runFinished(status RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.ActiveRuns--
	switch status {
	case RunSucceeded:
		t.stats.RunsSucceeded++
	case RunFailed:
		t.stats.RunsFailed++
	case RunAborted:
		t.stats.RunsAborted++
	}
}

func (t *statsTracker) recordInvocation(role agent.Role, promptTokens, completionTokens int, cost float64, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	as := t.agents[role]
	if as == nil {
		as = &AgentStats{}
		t.agents[role] = as
	}
	as.Executions++
	if success {
		as.Successes++
	} else {
		as.Failures++
	}
	as.PromptTokens += promptTokens
	as.CompletionTokens += completionTokens
	as.Cost += cost
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.stats
	out.Agents = make(map[string]AgentStats, len(t.agents))
	for role, as := range t.agents {
		out.Agents[string(role)] = *as
	}
	return out
}
