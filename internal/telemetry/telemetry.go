package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry manages the OpenTelemetry providers for the process.
//
// Initialization degrades gracefully: if the exporters cannot be created
// (collector down, bad endpoint) the service still starts, traces and
// metrics fall back to the global no-op providers, and degraded() reports
// true for the health endpoint.
type Telemetry struct {
	cfg            *Config
	logger         *zap.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	degraded       atomic.Bool
}

// New initializes telemetry from cfg. A nil logger is replaced with a
// no-op logger. New never fails when telemetry is disabled.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		t.degrade("creating resource", err)
		return t, nil
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.degrade("creating tracer provider", err)
		return t, nil
	}
	t.tracerProvider = tp
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		t.degrade("creating meter provider", err)
		return t, nil
	}
	if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Float64("sampling_rate", cfg.Sampling.Rate),
	)
	return t, nil
}

func (t *Telemetry) degrade(stage string, err error) {
	t.degraded.Store(true)
	t.logger.Warn("telemetry degraded, continuing without export",
		zap.String("stage", stage),
		zap.Error(err),
	)
}

// Degraded reports whether telemetry failed to initialize fully.
func (t *Telemetry) Degraded() bool {
	return t.degraded.Load()
}

// Tracer returns a tracer for the named instrumentation scope.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	if t.tracerProvider != nil {
		return t.tracerProvider.Tracer(name)
	}
	return otel.Tracer(name)
}

// Meter returns a meter for the named instrumentation scope.
func (t *Telemetry) Meter(name string) metric.Meter {
	if t.meterProvider != nil {
		return t.meterProvider.Meter(name)
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the providers. Safe to call when telemetry
// is disabled or degraded.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Shutdown.Timeout)
	defer cancel()

	var firstErr error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("shutting down tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down meter provider: %w", err)
		}
	}
	return firstErr
}
