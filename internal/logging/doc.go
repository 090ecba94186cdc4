// Package logging provides structured logging for plannerd on top of Zap.
//
// # Overview
//
// The package wraps Zap with:
//   - A Trace level (-2, below Debug) for wire-level detail
//   - Automatic correlation fields from context (trace_id, session.id, request.id)
//   - Field-name redaction for credentials (api_key, authorization, ...)
//   - Level-aware sampling; warnings and errors are never sampled
//
// # Usage
//
//	cfg, err := logging.FromSettings("info", "json")
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "s1")
//	ctx = logging.WithRequestID(ctx, "req-42")
//	logger.Info(ctx, "plan finished", zap.Int("task_count", 2))
//
// Components that only need a plain *zap.Logger (the HTTP server, the
// transport) receive logger.Underlying().
//
// # Testing
//
// NewTestLogger returns a Logger backed by zaptest/observer:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "step completed", zap.String("step_id", "s1-1"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "step completed")
//	tl.AssertField(t, "step completed", "step_id", "s1-1")
//
// Logger is safe for concurrent use.
package logging
