// Package toolgate is the uniform call contract between agent outputs
// and external tool collaborators (file I/O, git, shell, test runner).
// The gateway enforces the tool allow-list and argument schemas, and
// maps collaborator failures into the retryable/fatal taxonomy the
// governor applies everywhere else.
package toolgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/governor"
	"github.com/fyrsmithlabs/autodevd/internal/logging"
)

// Collaborator executes one tool's actions. Implementations live
// outside the orchestrator; only the envelope below is required.
type Collaborator interface {
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ArgKind constrains an argument's JSON type.
type ArgKind string

const (
	ArgString ArgKind = "string"
	ArgNumber ArgKind = "number"
	ArgBool   ArgKind = "bool"
	ArgObject ArgKind = "object"
)

// ArgSpec describes one tool argument.
type ArgSpec struct {
	Kind     ArgKind
	Required bool
}

// ToolSpec is a tool's argument schema.
type ToolSpec struct {
	Args map[string]ArgSpec
}

// allowedTools is the closed set of tool names the gateway will ever
// forward, with their argument schemas.
var allowedTools = map[string]ToolSpec{
	"file_read": {Args: map[string]ArgSpec{
		"path": {Kind: ArgString, Required: true},
	}},
	"file_write": {Args: map[string]ArgSpec{
		"path":    {Kind: ArgString, Required: true},
		"content": {Kind: ArgString, Required: true},
	}},
	"git": {Args: map[string]ArgSpec{
		"subcommand": {Kind: ArgString, Required: true},
		"args":       {Kind: ArgObject},
	}},
	"shell": {Args: map[string]ArgSpec{
		"command": {Kind: ArgString, Required: true},
		"timeout": {Kind: ArgNumber},
	}},
	"test_runner": {Args: map[string]ArgSpec{
		"target":  {Kind: ArgString},
		"verbose": {Kind: ArgBool},
	}},
	"package_install": {Args: map[string]ArgSpec{
		"name":    {Kind: ArgString, Required: true},
		"version": {Kind: ArgString},
	}},
	"http_request": {Args: map[string]ArgSpec{
		"method": {Kind: ArgString, Required: true},
		"url":    {Kind: ArgString, Required: true},
		"body":   {Kind: ArgString},
	}},
}

// ToolResult is the uniform success envelope.
type ToolResult struct {
	Tool string `json:"tool"`
	Data any    `json:"data"`
}

// transientError marks a collaborator failure as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps a collaborator error so the gateway classifies it as
// retryable (network hiccups, busy sandboxes, lock contention).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Gateway validates and forwards tool calls. Safe for concurrent use.
type Gateway struct {
	mu            sync.RWMutex
	collaborators map[string]Collaborator
	logger        *logging.Logger

	tracer   trace.Tracer
	meter    metric.Meter
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGateway creates an empty gateway; collaborators register per tool.
func NewGateway(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		collaborators: make(map[string]Collaborator),
		logger:        logging.NewNop(),
		tracer:        otel.Tracer("autodevd/toolgate"),
		meter:         otel.Meter("autodevd/toolgate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	var err error
	g.calls, err = g.meter.Int64Counter("autodevd.toolgate.calls",
		metric.WithDescription("Tool calls by tool and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	g.duration, err = g.meter.Float64Histogram("autodevd.toolgate.call_duration_seconds",
		metric.WithDescription("Tool call duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return g, nil
}

// Register binds a collaborator to an allow-listed tool name.
func (g *Gateway) Register(name string, c Collaborator) error {
	if _, ok := allowedTools[name]; !ok {
		return fmt.Errorf("tool %q is not allow-listed", name)
	}
	if c == nil {
		return fmt.Errorf("collaborator required for tool %q", name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collaborators[name] = c
	return nil
}

// Tools returns the allow-listed tool names that have a registered
// collaborator.
func (g *Gateway) Tools() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.collaborators))
	for name := range g.collaborators {
		names = append(names, name)
	}
	return names
}

// Call validates the tool name and arguments, forwards to the
// collaborator, and maps failures into the uniform taxonomy. Unknown
// tools and schema violations are fatal; collaborator errors are fatal
// unless wrapped with Transient.
func (g *Gateway) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	ctx, span := g.tracer.Start(ctx, "toolgate.Call", trace.WithAttributes(
		attribute.String("tool.name", name),
	))
	defer span.End()

	spec, ok := allowedTools[name]
	if !ok {
		g.count(ctx, name, "rejected")
		return nil, &governor.Error{Kind: governor.KindFatal, Reason: "tool not allow-listed: " + name}
	}
	g.mu.RLock()
	collab, registered := g.collaborators[name]
	g.mu.RUnlock()
	if !registered {
		g.count(ctx, name, "rejected")
		return nil, &governor.Error{Kind: governor.KindFatal, Reason: "no collaborator registered for tool: " + name}
	}
	if err := validateArgs(spec, args); err != nil {
		g.count(ctx, name, "invalid_args")
		return nil, &governor.Error{Kind: governor.KindFatal, Reason: err.Error()}
	}

	started := time.Now()
	data, err := collab.Call(ctx, args)
	g.duration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("tool", name),
	))
	if err != nil {
		kind := governor.KindFatal
		var te *transientError
		if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
			kind = governor.KindRetryable
		}
		g.count(ctx, name, string(kind))
		g.logger.Warn(ctx, "tool call failed",
			zap.String("tool", name),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, &governor.Error{Kind: kind, Reason: fmt.Sprintf("tool %s failed: %v", name, err)}
	}

	g.count(ctx, name, "success")
	return &ToolResult{Tool: name, Data: data}, nil
}

func (g *Gateway) count(ctx context.Context, tool, outcome string) {
	g.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

// validateArgs checks required presence and JSON type of every arg.
func validateArgs(spec ToolSpec, args map[string]any) error {
	for name, as := range spec.Args {
		v, present := args[name]
		if !present {
			if as.Required {
				return fmt.Errorf("missing required argument %q", name)
			}
			continue
		}
		if !kindMatches(as.Kind, v) {
			return fmt.Errorf("argument %q must be a %s", name, as.Kind)
		}
	}
	for name := range args {
		if _, known := spec.Args[name]; !known {
			return fmt.Errorf("unknown argument %q", name)
		}
	}
	return nil
}

func kindMatches(kind ArgKind, v any) bool {
	switch kind {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
