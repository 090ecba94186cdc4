package logging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/plannerd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Secret creates a Zap field for config.Secret showing only its length.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(val.Value())))
}

// RedactedString creates a Zap field with redacted value and length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactingCore replaces the value of any field whose key is in keys,
// both for per-entry fields and fields attached through With.
type redactingCore struct {
	zapcore.Core
	keys map[string]bool
}

func newRedactingCore(core zapcore.Core, fields []string) zapcore.Core {
	if len(fields) == 0 {
		return core
	}
	keys := make(map[string]bool, len(fields))
	for _, f := range fields {
		keys[strings.ToLower(f)] = true
	}
	return &redactingCore{Core: core, keys: keys}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redact(fields)), keys: c.keys}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, c.redact(fields))
}

// redact copies fields only when something needs replacing.
func (c *redactingCore) redact(fields []zapcore.Field) []zapcore.Field {
	out := fields
	copied := false
	for i, f := range fields {
		if !c.keys[strings.ToLower(f.Key)] {
			continue
		}
		if !copied {
			out = append([]zapcore.Field(nil), fields...)
			copied = true
		}
		out[i] = zap.String(f.Key, redacted)
	}
	return out
}
