package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewLoggerWithWriter(cfg, zapcore.AddSync(&buf))
	require.NoError(t, err)
	return logger, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLogger_JSONOutput(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig())

	logger.Info(context.Background(), "plan finished", zap.Int("task_count", 2))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "plan finished", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "plannerd", lines[0]["service"])
	assert.EqualValues(t, 2, lines[0]["task_count"])
	assert.Contains(t, lines[0], "ts")
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRequestID(WithSessionID(context.Background(), "s1"), "req-1")

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
		message string
	}{
		{"trace", func() { tl.Trace(ctx, "trace message") }, TraceLevel, "trace message"},
		{"debug", func() { tl.Debug(ctx, "debug message") }, zapcore.DebugLevel, "debug message"},
		{"info", func() { tl.Info(ctx, "info message") }, zapcore.InfoLevel, "info message"},
		{"warn", func() { tl.Warn(ctx, "warn message") }, zapcore.WarnLevel, "warn message"},
		{"error", func() { tl.Error(ctx, "error message") }, zapcore.ErrorLevel, "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.logFunc()

			tl.AssertLogged(t, tt.level, tt.message)
			tl.AssertField(t, tt.message, "session.id", "s1")
			tl.AssertField(t, tt.message, "request.id", "req-1")
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.WarnLevel
	logger, buf := newBufferLogger(t, cfg)

	ctx := context.Background()
	logger.Debug(ctx, "debug")
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["msg"])
	assert.False(t, logger.Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Enabled(zapcore.ErrorLevel))
}

func TestLogger_TraceLevelEncoding(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel
	logger, buf := newBufferLogger(t, cfg)

	logger.Trace(context.Background(), "raw envelope")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_SamplingKeepsWarnings(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling = SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    1,
		Thereafter: 1000,
	}
	logger, buf := newBufferLogger(t, cfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		logger.Info(ctx, "noisy")
	}
	for i := 0; i < 5; i++ {
		logger.Warn(ctx, "important")
	}

	var infos, warns int
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "noisy":
			infos++
		case "important":
			warns++
		}
	}
	assert.Equal(t, 1, infos)
	assert.Equal(t, 5, warns)
}

func TestLogger_RedactsSensitiveKeys(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig())

	logger.With(zap.String("authorization", "Bearer abc")).
		Info(context.Background(), "calling handler", zap.String("api_key", "sk-123"), zap.String("intent", "edit"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "[REDACTED]", lines[0]["api_key"])
	assert.Equal(t, "[REDACTED]", lines[0]["authorization"])
	assert.Equal(t, "edit", lines[0]["intent"])
	assert.NotContains(t, buf.String(), "sk-123")
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()

	child := tl.Named("orchestrator").With(zap.String("component", "runner"))
	child.Info(context.Background(), "started")

	entries := tl.FilterMessage("started").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "orchestrator", entries[0].LoggerName)
	assert.Equal(t, "runner", entries[0].ContextMap()["component"])
}

func TestLogger_Sync(t *testing.T) {
	logger, _ := newBufferLogger(t, NewDefaultConfig())
	assert.NoError(t, logger.Sync())
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info(context.Background(), "discarded")
	assert.False(t, logger.Enabled(zapcore.ErrorLevel))
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings("debug", "console")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromSettings("loud", "json")
	assert.Error(t, err)

	_, err = FromSettings("info", "xml")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"zero initial", func(c *Config) { c.Sampling.Initial = 0 }, "sampling initial"},
		{"sampling off ignores tick", func(c *Config) { c.Sampling = SamplingConfig{} }, ""},
		{"empty field key", func(c *Config) { c.Fields[""] = "x" }, "key cannot be empty"},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("prompt", "hello")
	assert.Equal(t, "[REDACTED:5]", f.String)

	s := Secret("api_key", config.Secret("sk-1234"))
	assert.Equal(t, "[REDACTED:7]", s.String)
}

func TestLogger_WithOTel(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig())

	assert.Same(t, logger, logger.WithOTel("plannerd", nil))

	bridged := logger.WithOTel("plannerd", noop.NewLoggerProvider())
	require.NotSame(t, logger, bridged)

	bridged.Info(context.Background(), "bridged entry", zap.String("token", "abc"))
	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "bridged entry", lines[0]["msg"])
	assert.Equal(t, "[REDACTED]", lines[0]["token"])
}
