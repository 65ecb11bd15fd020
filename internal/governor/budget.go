package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autodevd/internal/model"
)

// budgetWarnRatio is the cost share at which a single budget_warning
// event is emitted for the run.
const budgetWarnRatio = 0.8

// Ceilings are the per-run spend limits. A zero ceiling disables that
// dimension.
type Ceilings struct {
	MaxCost      float64
	MaxWallClock time.Duration
	MaxCalls     int
}

// Snapshot is a consistent read of a run's spend counters.
type Snapshot struct {
	Cost             float64       `json:"cost"`
	PrimaryCost      float64       `json:"primary_cost"`
	Elapsed          time.Duration `json:"elapsed"`
	Calls            int           `json:"calls"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
}

// BudgetState tracks one run's cumulative spend against its ceilings.
// All mutation goes through the governor, the single writer per run;
// the mutex covers concurrent tester-batch invocations.
type BudgetState struct {
	mu       sync.Mutex
	ceilings Ceilings
	started  time.Time
	now      func() time.Time

	cost             float64
	primaryCost      float64
	calls            int
	promptTokens     int
	completionTokens int
	warned           bool
}

// NewBudgetState starts the wall clock for a run.
func NewBudgetState(c Ceilings) *BudgetState {
	b := &BudgetState{ceilings: c, now: time.Now}
	b.started = b.now()
	return b
}

// CheckBeforeAttempt rejects the attempt if any ceiling is already
// exceeded. The rejection is a fatal_error of reason budget_exceeded
// and must be returned before any model call is made.
func (b *BudgetState) CheckBeforeAttempt() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ceilings.MaxCost > 0 && b.cost >= b.ceilings.MaxCost {
		return &Error{Kind: KindFatal, Reason: ReasonBudgetExceeded,
			err: fmt.Errorf("cost %.4f reached ceiling %.4f", b.cost, b.ceilings.MaxCost)}
	}
	if b.ceilings.MaxWallClock > 0 && b.now().Sub(b.started) >= b.ceilings.MaxWallClock {
		return &Error{Kind: KindFatal, Reason: ReasonBudgetExceeded,
			err: fmt.Errorf("wall clock exceeded %s", b.ceilings.MaxWallClock)}
	}
	if b.ceilings.MaxCalls > 0 && b.calls >= b.ceilings.MaxCalls {
		return &Error{Kind: KindFatal, Reason: ReasonBudgetExceeded,
			err: fmt.Errorf("call count reached ceiling %d", b.ceilings.MaxCalls)}
	}
	return nil
}

// RecordAttempt charges one attempt. Every attempt counts against the
// call ceiling; cost and tokens are only added when the provider
// actually billed us (usage is non-nil).
func (b *BudgetState) RecordAttempt(usage *model.Usage, primary bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if usage == nil {
		return
	}
	b.cost += usage.CostEstimate
	if primary {
		b.primaryCost += usage.CostEstimate
	}
	b.promptTokens += usage.PromptTokens
	b.completionTokens += usage.CompletionTokens
}

// ShouldWarn returns true exactly once, when cost first crosses the
// warning ratio of the ceiling.
func (b *BudgetState) ShouldWarn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.warned || b.ceilings.MaxCost <= 0 {
		return false
	}
	if b.cost >= budgetWarnRatio*b.ceilings.MaxCost {
		b.warned = true
		return true
	}
	return false
}

// Snapshot returns the current counters.
func (b *BudgetState) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Cost:             b.cost,
		PrimaryCost:      b.primaryCost,
		Elapsed:          b.now().Sub(b.started),
		Calls:            b.calls,
		PromptTokens:     b.promptTokens,
		CompletionTokens: b.completionTokens,
	}
}

// Ceilings returns the configured limits.
func (b *BudgetState) Ceilings() Ceilings { return b.ceilings }
