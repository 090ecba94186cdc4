package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v, want nil", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: "shutdown timeout",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *Config) { c.Session.SummaryThreshold = -1 },
			wantErr: "summary threshold",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Completion.Provider = "bard" },
			wantErr: "completion provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.Completion.Model = "" },
			wantErr: "model is required",
		},
		{
			name:    "bad handler url",
			mutate:  func(c *Config) { c.Handlers.EditURL = "ftp://agents/edit" },
			wantErr: "handlers edit_url",
		},
		{
			name:    "burst required with rate limit",
			mutate:  func(c *Config) { c.Transport.RateBurst = 0 },
			wantErr: "rate burst",
		},
		{
			name: "rate limit disabled needs no burst",
			mutate: func(c *Config) {
				c.Transport.RateLimit = 0
				c.Transport.RateBurst = 0
			},
		},
		{
			name: "events enabled without url",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.NATSURL = ""
			},
			wantErr: "nats_url",
		},
		{
			name: "telemetry enabled without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 1m30s", d.Duration())
	}
	if err := d.UnmarshalText([]byte("-1s")); err == nil {
		t.Error("UnmarshalText(-1s) error = nil, want error")
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-live-abc")

	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", s.String())
	}
	if got := fmt.Sprintf("%v %#v", s, s); strings.Contains(got, "sk-live") {
		t.Errorf("formatted secret leaked value: %q", got)
	}
	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "sk-live") {
		t.Errorf("json leaked secret: %s", data)
	}
	if s.Value() != "sk-live-abc" || !s.IsSet() {
		t.Error("Value()/IsSet() did not return the raw secret")
	}
	if Secret("").IsSet() {
		t.Error("empty secret reported as set")
	}
}

func TestServerConfig_Addr(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 8080}
	if s.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q, want 0.0.0.0:8080", s.Addr())
	}
}
