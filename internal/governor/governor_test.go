package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodevd/internal/agent"
	"github.com/fyrsmithlabs/autodevd/internal/model"
	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

// scriptedCompleter returns canned responses in order, repeating the
// last entry once the script runs out.
type scriptedCompleter struct {
	mu       sync.Mutex
	script   []func(req model.CompletionRequest) (*model.Completion, error)
	requests []model.CompletionRequest
}

func (s *scriptedCompleter) Complete(_ context.Context, req model.CompletionRequest) (*model.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	return s.script[idx](req)
}

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func succeedWith(text string) func(model.CompletionRequest) (*model.Completion, error) {
	return func(req model.CompletionRequest) (*model.Completion, error) {
		return &model.Completion{
			Text:  text,
			Model: req.Model,
			Usage: model.Usage{PromptTokens: 100, CompletionTokens: 50, CostEstimate: 0.01},
		}, nil
	}
}

func failWith(kind model.ErrorKind) func(model.CompletionRequest) (*model.Completion, error) {
	return func(model.CompletionRequest) (*model.Completion, error) {
		return nil, &model.Error{Kind: kind, Message: "scripted failure"}
	}
}

func testGovernor(t *testing.T, completer model.Completer, st store.Store) *Governor {
	t.Helper()
	rt, err := router.New(router.Config{
		WindowSize:         5,
		ErrorRateThreshold: 0.40,
		LatencyCeiling:     30 * time.Second,
		CostShareThreshold: 0.70,
		Cooldown:           2 * time.Minute,
	}, map[string]router.RoleModels{
		"coder":  {Primary: "anthropic/claude-2", Fallback: "openai/gpt-4"},
		"critic": {Primary: "anthropic/claude-2", Fallback: "openai/gpt-4"},
	})
	require.NoError(t, err)

	g, err := New(Config{
		CallTimeout: 5 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	}, completer, rt, st, nil, nil)
	require.NoError(t, err)
	return g
}

func coderRequest(budget *BudgetState) Request {
	return Request{
		RunID:    "run_test",
		StepID:   "step_1",
		Role:     agent.RoleCoder,
		Messages: []model.Message{{Role: "user", Content: "implement it"}},
		Budget:   budget,
	}
}

func TestInvoke_SuccessFirstAttempt(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		succeedWith("done"),
	}}
	st := store.NewMemoryStore()
	g := testGovernor(t, completer, st)
	budget := NewBudgetState(Ceilings{MaxCost: 5, MaxCalls: 100})

	res, err := g.Invoke(context.Background(), coderRequest(budget))
	require.NoError(t, err)

	assert.Equal(t, "done", res.Completion.Text)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "anthropic/claude-2", res.Binding.ModelID)

	snap := budget.Snapshot()
	assert.Equal(t, 1, snap.Calls)
	assert.InDelta(t, 0.01, snap.Cost, 0.0001)
	assert.InDelta(t, 0.01, snap.PrimaryCost, 0.0001)

	invs, err := st.ListInvocations(context.Background(), "run_test")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "success", invs[0].Status)
	assert.NotEmpty(t, invs[0].InputDigest)
}

func TestInvoke_RetryableThenSuccess(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		failWith(model.KindRateLimited),
		succeedWith("recovered"),
	}}
	st := store.NewMemoryStore()
	g := testGovernor(t, completer, st)
	budget := NewBudgetState(Ceilings{MaxCost: 5})

	res, err := g.Invoke(context.Background(), coderRequest(budget))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	// Failed attempts count calls but never cost.
	snap := budget.Snapshot()
	assert.Equal(t, 2, snap.Calls)
	assert.InDelta(t, 0.01, snap.Cost, 0.0001)

	invs, err := st.ListInvocations(context.Background(), "run_test")
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, string(KindRetryable), invs[0].Status)
	assert.Equal(t, "success", invs[1].Status)
}

func TestInvoke_RetryBound(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		failWith(model.KindServer),
	}}
	st := store.NewMemoryStore()
	g := testGovernor(t, completer, st)
	budget := NewBudgetState(Ceilings{MaxCost: 5})

	_, err := g.Invoke(context.Background(), coderRequest(budget))
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ReasonMaxAttempts, ge.Reason)

	assert.Equal(t, 3, completer.callCount(), "attempts bounded by max attempts")

	invs, err := st.ListInvocations(context.Background(), "run_test")
	require.NoError(t, err)
	require.Len(t, invs, 3)
	assert.Equal(t, string(KindFatal), invs[2].Status, "final attempt recorded as fatal")
}

func TestInvoke_BudgetExceededSkipsModelCall(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		succeedWith("should never run"),
	}}
	st := store.NewMemoryStore()
	g := testGovernor(t, completer, st)

	budget := NewBudgetState(Ceilings{MaxCost: 0.01})
	budget.RecordAttempt(&model.Usage{CostEstimate: 0.02}, true)

	_, err := g.Invoke(context.Background(), coderRequest(budget))
	require.Error(t, err)
	assert.True(t, IsBudgetExceeded(err))
	assert.Zero(t, completer.callCount(), "no model call after ceiling")

	invs, err := st.ListInvocations(context.Background(), "run_test")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, ReasonBudgetExceeded, invs[0].Status)
	assert.Zero(t, invs[0].Latency, "rejection carries no model latency")
}

func TestInvoke_SchemaCorrectiveRetry(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		succeedWith("not json at all"),
		succeedWith(`{"verdict": "approve", "comments": "ok"}`),
	}}
	g := testGovernor(t, completer, store.NewMemoryStore())
	budget := NewBudgetState(Ceilings{MaxCost: 5})

	req := coderRequest(budget)
	req.Role = agent.RoleCritic
	req.Validate = func(text string) error {
		_, err := agent.ParseReview(text)
		return err
	}

	res, err := g.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	// The corrective retry carries the bad reply plus an instruction.
	last := completer.requests[1]
	require.Len(t, last.Messages, 3)
	assert.Equal(t, "assistant", last.Messages[1].Role)
	assert.Contains(t, last.Messages[2].Content, "could not be parsed")
}

func TestInvoke_SchemaFailureTwiceIsFatal(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		succeedWith("garbage"),
		succeedWith("more garbage"),
	}}
	g := testGovernor(t, completer, store.NewMemoryStore())
	budget := NewBudgetState(Ceilings{MaxCost: 5})

	req := coderRequest(budget)
	req.Role = agent.RoleCritic
	req.Validate = func(text string) error {
		_, err := agent.ParseReview(text)
		return err
	}

	_, err := g.Invoke(context.Background(), req)
	require.Error(t, err)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ReasonSchemaViolation, ge.Reason)
	assert.Equal(t, 2, completer.callCount(), "exactly one corrective retry")
}

func TestInvoke_PolicyErrorNeverRetried(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		failWith(model.KindAuth),
	}}
	g := testGovernor(t, completer, store.NewMemoryStore())
	budget := NewBudgetState(Ceilings{MaxCost: 5})

	_, err := g.Invoke(context.Background(), coderRequest(budget))
	require.Error(t, err)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ReasonPolicyViolation, ge.Reason)
	assert.Equal(t, 1, completer.callCount())
}

func TestInvoke_CancelledBeforeAttempt(t *testing.T) {
	completer := &scriptedCompleter{script: []func(model.CompletionRequest) (*model.Completion, error){
		succeedWith("unused"),
	}}
	g := testGovernor(t, completer, store.NewMemoryStore())
	budget := NewBudgetState(Ceilings{MaxCost: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Invoke(ctx, coderRequest(budget))
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Zero(t, completer.callCount())
}
