// Package logging provides structured logging for autodevd.
//
// # Overview
//
// Logging wraps Zap with:
//   - Automatic context field injection (trace_id, run.id, step.id)
//   - Defense-in-depth secret redaction by field name and value pattern
//   - JSON or console output
//
// # Usage
//
// Create logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithRunID(ctx, "run_a1b2c3d4")
//	ctx = logging.WithStepID(ctx, "step_e5f6a7b8")
//	logger.Info(ctx, "invocation finished", zap.Duration("latency", d))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-23T10:15:30Z",
//	  "level": "info",
//	  "msg": "invocation finished",
//	  "run.id": "run_a1b2c3d4",
//	  "step.id": "step_e5f6a7b8",
//	  "latency": "1.2s"
//	}
package logging
