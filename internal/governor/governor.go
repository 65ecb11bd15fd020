// Package governor wraps every agent call with per-call timeouts,
// bounded retries with jittered exponential backoff, and budget
// enforcement. It is the only component that mutates BudgetState and
// the only place retryable errors are absorbed.
package governor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/agent"
	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/logging"
	"github.com/fyrsmithlabs/autodevd/internal/model"
	"github.com/fyrsmithlabs/autodevd/internal/router"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

// Config tunes the retry wrapper.
type Config struct {
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Request describes one governed agent call.
type Request struct {
	RunID       string
	StepID      string
	Role        agent.Role
	System      string // defaults to the role's system prompt
	Messages    []model.Message
	MaxTokens   int
	Temperature float64
	Budget      *BudgetState
	// Validate checks the completion text against the role's output
	// schema. A *agent.SchemaError triggers one corrective retry.
	Validate func(text string) error
}

// Result is a successful governed invocation.
type Result struct {
	Completion   *model.Completion
	Binding      router.Binding
	Attempts     int
	InvocationID string
}

// Governor executes agent calls under retry and budget policy.
type Governor struct {
	cfg       Config
	completer model.Completer
	router    *router.Router
	store     store.Store
	bus       *events.Bus
	logger    *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	invocations metric.Int64Counter
	retries     metric.Int64Counter
	callLatency metric.Float64Histogram

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Governor.
func New(cfg Config, completer model.Completer, rt *router.Router, st store.Store, bus *events.Bus, logger *logging.Logger) (*Governor, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer required")
	}
	if rt == nil {
		return nil, fmt.Errorf("router required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	g := &Governor{
		cfg:       cfg,
		completer: completer,
		router:    rt,
		store:     st,
		bus:       bus,
		logger:    logger,
		tracer:    otel.Tracer("autodevd/governor"),
		meter:     otel.Meter("autodevd/governor"),
		sleep:     sleepCtx,
	}
	if err := g.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return g, nil
}

func (g *Governor) initMetrics() error {
	var err error
	g.invocations, err = g.meter.Int64Counter("autodevd.governor.invocations",
		metric.WithDescription("Governed agent invocations by role and outcome"))
	if err != nil {
		return err
	}
	g.retries, err = g.meter.Int64Counter("autodevd.governor.retries",
		metric.WithDescription("Retry attempts after transient failures"))
	if err != nil {
		return err
	}
	g.callLatency, err = g.meter.Float64Histogram("autodevd.governor.call_latency_seconds",
		metric.WithDescription("Model call latency"),
		metric.WithUnit("s"))
	return err
}

// Invoke runs one agent call to completion under policy.
//
// Budget ceilings are checked before every attempt; a rejection is a
// fatal_error of reason budget_exceeded returned without touching the
// model. Transport, timeout, and rate-limit failures retry with backoff
// up to MaxAttempts. Schema failures get one corrective retry. Policy
// and auth rejections are fatal immediately. Context cancellation stops
// before the next attempt, never mid-flight.
func (g *Governor) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "governor.Invoke", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("agent.role", string(req.Role)),
	))
	defer span.End()

	system := req.System
	if system == "" {
		system = agent.SystemPrompt(req.Role)
	}
	digest := inputDigest(req.Role, system, req.Messages)
	messages := append([]model.Message(nil), req.Messages...)

	correctiveUsed := false
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			g.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(req.Role))))
			if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
				return nil, &Error{Kind: KindCancelled, Reason: "cancelled during backoff", err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindCancelled, Reason: "cancelled before attempt", err: err}
		}

		if err := req.Budget.CheckBeforeAttempt(); err != nil {
			g.recordRejection(ctx, req, digest, attempt)
			return nil, err
		}

		snap := req.Budget.Snapshot()
		binding, err := g.router.Resolve(string(req.Role), router.RunCost{
			PrimarySpend: snap.PrimaryCost,
			Budget:       req.Budget.Ceilings().MaxCost,
		})
		if err != nil {
			return nil, &Error{Kind: KindFatal, Reason: "no model for role", err: err}
		}

		invID := newInvocationID()
		ctx := logging.WithInvocationID(ctx, invID)
		g.publish(ctx, events.Event{
			RunID: req.RunID, StepID: req.StepID, Type: events.TypeInvocationStarted,
			Role: string(req.Role),
			Attrs: map[string]string{
				"model":   binding.ModelID,
				"reason":  binding.Reason,
				"attempt": fmt.Sprint(attempt),
			},
		})

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		started := time.Now()
		comp, callErr := g.completer.Complete(callCtx, model.CompletionRequest{
			Model:       binding.ModelID,
			System:      system,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		cancel()
		latency := time.Since(started)

		g.router.Observe(binding.ModelID, callErr == nil, latency)
		var usage *model.Usage
		if comp != nil {
			usage = &comp.Usage
		}
		req.Budget.RecordAttempt(usage, !binding.Fallback)
		if req.Budget.ShouldWarn() {
			snap := req.Budget.Snapshot()
			g.publish(ctx, events.Event{
				RunID: req.RunID, Type: events.TypeBudgetWarning,
				Detail: fmt.Sprintf("cost %.4f approaching ceiling %.4f", snap.Cost, req.Budget.Ceilings().MaxCost),
			})
		}
		g.callLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
			attribute.String("role", string(req.Role)),
			attribute.String("model", binding.ModelID),
		))

		if callErr != nil {
			outcome, invErr := g.classify(ctx, callErr, attempt)
			g.recordAttempt(ctx, req, binding, invID, digest, attempt, outcome, latency, usage, callErr.Error())
			if invErr != nil {
				return nil, invErr
			}
			lastErr = callErr
			g.logger.Warn(ctx, "agent call failed, will retry",
				zap.String("role", string(req.Role)),
				zap.String("model", binding.ModelID),
				zap.Int("attempt", attempt),
				zap.Error(callErr),
			)
			continue
		}

		if req.Validate != nil {
			if verr := req.Validate(comp.Text); verr != nil {
				se, isSchema := asSchemaError(verr)
				if isSchema && !correctiveUsed && attempt < g.cfg.MaxAttempts {
					correctiveUsed = true
					messages = append(messages,
						model.Message{Role: "assistant", Content: comp.Text},
						model.Message{Role: "user", Content: se.CorrectiveInstruction()},
					)
					g.recordAttempt(ctx, req, binding, invID, digest, attempt, string(KindRetryable), latency, usage, verr.Error())
					lastErr = verr
					continue
				}
				g.recordAttempt(ctx, req, binding, invID, digest, attempt, string(KindFatal), latency, usage, verr.Error())
				return nil, &Error{Kind: KindFatal, Reason: ReasonSchemaViolation, err: verr}
			}
		}

		g.recordAttempt(ctx, req, binding, invID, digest, attempt, "success", latency, usage, "")
		return &Result{
			Completion:   comp,
			Binding:      binding,
			Attempts:     attempt,
			InvocationID: invID,
		}, nil
	}

	return nil, &Error{Kind: KindFatal, Reason: ReasonMaxAttempts, err: lastErr}
}

// classify maps a provider error to an attempt outcome. A non-nil
// second return terminates the invocation.
func (g *Governor) classify(ctx context.Context, callErr error, attempt int) (string, error) {
	if ctx.Err() == context.Canceled {
		return string(KindCancelled), &Error{Kind: KindCancelled, Reason: "cancelled in flight", err: callErr}
	}
	kind := model.KindOf(callErr)
	if kind == model.KindAuth || kind == model.KindBadRequest {
		// Provider rejected the request outright; retrying the same
		// payload cannot succeed.
		return string(KindFatal), &Error{Kind: KindFatal, Reason: ReasonPolicyViolation, err: callErr}
	}
	outcome := string(KindRetryable)
	if kind == model.KindTimeout {
		outcome = "timeout"
	}
	if attempt == g.cfg.MaxAttempts {
		return string(KindFatal), &Error{Kind: KindFatal, Reason: ReasonMaxAttempts, err: callErr}
	}
	return outcome, nil
}

// recordAttempt persists the append-only invocation record and emits
// the finished event.
func (g *Governor) recordAttempt(ctx context.Context, req Request, binding router.Binding, invID, digest string, attempt int, outcome string, latency time.Duration, usage *model.Usage, errText string) {
	g.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", string(req.Role)),
		attribute.String("outcome", outcome),
	))

	rec := &store.InvocationRecord{
		ID:          invID,
		RunID:       req.RunID,
		StepID:      req.StepID,
		Role:        string(req.Role),
		ModelID:     binding.ModelID,
		RouteReason: binding.Reason,
		Attempt:     attempt,
		Status:      outcome,
		InputDigest: digest,
		Latency:     latency,
		StartedAt:   time.Now().Add(-latency),
		Error:       errText,
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.Cost = usage.CostEstimate
	}
	if g.store != nil {
		if err := g.store.AppendInvocation(ctx, rec); err != nil {
			g.logger.Error(ctx, "failed to persist invocation record", zap.Error(err))
		}
	}

	g.publish(ctx, events.Event{
		RunID: req.RunID, StepID: req.StepID, Type: events.TypeInvocationFinished,
		Role:   string(req.Role),
		Detail: outcome,
		Attrs: map[string]string{
			"model":   binding.ModelID,
			"reason":  binding.Reason,
			"attempt": fmt.Sprint(attempt),
		},
	})
}

// recordRejection persists a budget rejection: no model call, no
// latency, outcome budget_exceeded.
func (g *Governor) recordRejection(ctx context.Context, req Request, digest string, attempt int) {
	g.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", string(req.Role)),
		attribute.String("outcome", ReasonBudgetExceeded),
	))
	if g.store != nil {
		rec := &store.InvocationRecord{
			ID:          newInvocationID(),
			RunID:       req.RunID,
			StepID:      req.StepID,
			Role:        string(req.Role),
			RouteReason: "",
			Attempt:     attempt,
			Status:      ReasonBudgetExceeded,
			InputDigest: digest,
			StartedAt:   time.Now(),
		}
		if err := g.store.AppendInvocation(ctx, rec); err != nil {
			g.logger.Error(ctx, "failed to persist invocation record", zap.Error(err))
		}
	}
	g.publish(ctx, events.Event{
		RunID: req.RunID, StepID: req.StepID, Type: events.TypeInvocationFinished,
		Role:   string(req.Role),
		Detail: ReasonBudgetExceeded,
	})
}

func (g *Governor) publish(ctx context.Context, ev events.Event) {
	if g.bus != nil {
		g.bus.Publish(ctx, ev)
	}
}

// backoff returns base * 2^(attempt-2) capped, plus up to 25% jitter.
// attempt 2 waits ~base, attempt 3 ~2*base.
func (g *Governor) backoff(attempt int) time.Duration {
	d := g.cfg.BackoffBase << (attempt - 2)
	if g.cfg.BackoffCap > 0 && d > g.cfg.BackoffCap {
		d = g.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func asSchemaError(err error) (*agent.SchemaError, bool) {
	var se *agent.SchemaError
	ok := errors.As(err, &se)
	return se, ok
}

// inputDigest is a stable fingerprint of the invocation input, recorded
// for audit and deduplication.
func inputDigest(role agent.Role, system string, messages []model.Message) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(system))
	for _, m := range messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func newInvocationID() string {
	return "inv_" + uuid.NewString()[:8]
}
