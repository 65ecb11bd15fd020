// Package router resolves each agent call to a primary or fallback model.
//
// Health is tracked per model id in rolling windows shared across runs;
// a model degrading in one run demotes it for every run. Cost-based
// fallback is run-scoped and computed from the caller's budget state.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Resolution reasons recorded on every binding.
const (
	ReasonPrimary           = "primary"
	ReasonFallbackOnError   = "fallback_on_error"
	ReasonFallbackOnLatency = "fallback_on_latency"
	ReasonFallbackOnCost    = "fallback_on_cost"
)

var (
	// ErrUnknownRole is returned when no models are configured for a role.
	ErrUnknownRole = errors.New("no models configured for role")
)

// RoleModels binds a role to its primary and fallback model ids.
type RoleModels struct {
	Primary  string
	Fallback string
}

// Config tunes fallback thresholds.
type Config struct {
	WindowSize         int
	ErrorRateThreshold float64
	LatencyCeiling     time.Duration
	CostShareThreshold float64
	Cooldown           time.Duration
}

// Binding is the resolved model for one invocation. It is transient;
// callers persist it on the invocation record, not the Router.
type Binding struct {
	Role     string `json:"role"`
	ModelID  string `json:"model_id"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason"`
}

// RunCost carries the run-level spend inputs for cost-based fallback.
type RunCost struct {
	PrimarySpend float64 // cost accrued on primary models this run
	Budget       float64 // total run budget; zero disables the check
}

// roleState latches an error- or latency-driven fallback until the
// cooldown elapses and the primary's window recovers.
type roleState struct {
	latched       bool
	reason        string
	fallbackSince time.Time
}

// Router selects models for agent roles. Safe for concurrent use.
type Router struct {
	mu      sync.Mutex
	cfg     Config
	roles   map[string]RoleModels
	windows map[string]*window
	states  map[string]*roleState
	now     func() time.Time

	logger *zap.Logger

	meter       metric.Meter
	resolutions metric.Int64Counter
	fallbacks   metric.Int64Counter
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Router for the given role bindings.
func New(cfg Config, roles map[string]RoleModels, opts ...Option) (*Router, error) {
	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("window size must be at least 1, got %d", cfg.WindowSize)
	}
	r := &Router{
		cfg:     cfg,
		roles:   roles,
		windows: make(map[string]*window),
		states:  make(map[string]*roleState),
		now:     time.Now,
		logger:  zap.NewNop(),
		meter:   otel.Meter("autodevd/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return r, nil
}

func (r *Router) initMetrics() error {
	var err error
	r.resolutions, err = r.meter.Int64Counter("autodevd.router.resolutions",
		metric.WithDescription("Model resolutions by role and reason"))
	if err != nil {
		return err
	}
	r.fallbacks, err = r.meter.Int64Counter("autodevd.router.fallback_switches",
		metric.WithDescription("Transitions from primary to fallback"))
	return err
}

// Resolve returns the model binding for the next call of a role.
//
// The decision order is: latched fallback (with switch-back check),
// run-level cost share, then the primary's rolling error rate and p95
// latency. A breach demotes the NEXT call, never the current one; the
// caller observes the failed call first and resolves again.
func (r *Router) Resolve(role string, cost RunCost) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.roles[role]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	now := r.now()
	st := r.states[role]
	if st == nil {
		st = &roleState{}
		r.states[role] = st
	}

	if st.latched {
		if now.Sub(st.fallbackSince) >= r.cfg.Cooldown && r.primaryHealthy(rm.Primary, now) {
			st.latched = false
			r.logger.Info("router switching back to primary",
				zap.String("role", role),
				zap.String("model", rm.Primary),
			)
		} else {
			return r.bind(role, rm.Fallback, st.reason), nil
		}
	}

	if cost.Budget > 0 && cost.PrimarySpend/cost.Budget > r.cfg.CostShareThreshold {
		// Cost pressure is not latched: it clears when the caller's
		// spend inputs change (a new run starts).
		return r.bind(role, rm.Fallback, ReasonFallbackOnCost), nil
	}

	if reason := r.primaryBreach(rm.Primary, now); reason != "" {
		st.latched = true
		st.reason = reason
		st.fallbackSince = now
		r.fallbacks.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("role", role), attribute.String("reason", reason)))
		r.logger.Warn("router demoting primary",
			zap.String("role", role),
			zap.String("model", rm.Primary),
			zap.String("reason", reason),
		)
		return r.bind(role, rm.Fallback, reason), nil
	}

	return r.bind(role, rm.Primary, ReasonPrimary), nil
}

// primaryBreach reports which threshold the primary's window breaches.
func (r *Router) primaryBreach(modelID string, now time.Time) string {
	w, ok := r.windows[modelID]
	if !ok {
		return ""
	}
	if w.errorRate(now) > r.cfg.ErrorRateThreshold {
		return ReasonFallbackOnError
	}
	if r.cfg.LatencyCeiling > 0 {
		if p95 := w.p95Latency(now); p95 > r.cfg.LatencyCeiling {
			return ReasonFallbackOnLatency
		}
	}
	return ""
}

func (r *Router) primaryHealthy(modelID string, now time.Time) bool {
	return r.primaryBreach(modelID, now) == ""
}

func (r *Router) bind(role, modelID, reason string) Binding {
	b := Binding{
		Role:     role,
		ModelID:  modelID,
		Fallback: reason != ReasonPrimary,
		Reason:   reason,
	}
	r.resolutions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("role", role), attribute.String("reason", reason)))
	return b
}

// Observe records the outcome of a call against the model's rolling
// window. Model health is a cross-run signal, so windows are keyed by
// model id, never by run.
func (r *Router) Observe(modelID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[modelID]
	if !ok {
		w = newWindow(r.cfg.WindowSize)
		r.windows[modelID] = w
	}
	w.record(observation{at: r.now(), success: success, latency: latency})
}
