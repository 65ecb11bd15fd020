package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types
type runCtxKey struct{}
type stepCtxKey struct{}
type invocationCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if stepID := StepIDFromContext(ctx); stepID != "" {
		fields = append(fields, zap.String("step.id", stepID))
	}
	if invID := InvocationIDFromContext(ctx); invID != "" {
		fields = append(fields, zap.String("invocation.id", invID))
	}

	return fields
}

// WithRunID attaches a run id to the context for log correlation.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run id, or "" if absent.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStepID attaches a step id to the context for log correlation.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, stepID)
}

// StepIDFromContext returns the step id, or "" if absent.
func StepIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(stepCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithInvocationID attaches an invocation id to the context.
func WithInvocationID(ctx context.Context, invID string) context.Context {
	return context.WithValue(ctx, invocationCtxKey{}, invID)
}

// InvocationIDFromContext returns the invocation id, or "" if absent.
func InvocationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(invocationCtxKey{}).(string); ok {
		return v
	}
	return ""
}
