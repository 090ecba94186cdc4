package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithOTel returns a logger that also sends entries to provider through the
// otelzap bridge. Level and redaction settings apply to both outputs. A nil
// provider returns l unchanged.
func (l *Logger) WithOTel(name string, provider log.LoggerProvider) *Logger {
	if provider == nil {
		return l
	}

	var otelCore zapcore.Core = otelzap.NewCore(name, otelzap.WithLoggerProvider(provider))
	if leveled, err := zapcore.NewIncreaseLevelCore(otelCore, l.config.Level); err == nil {
		otelCore = leveled
	}
	otelCore = newRedactingCore(otelCore, l.config.RedactFields)

	z := l.zap.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, otelCore)
	}))
	return &Logger{zap: z, config: l.config}
}
