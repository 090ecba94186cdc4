// Package config provides configuration loading for plannerd.
//
// Configuration starts from Default(), is overlaid by an optional YAML file and
// finally by PLANNERD_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete plannerd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Session    SessionConfig    `koanf:"session"`
	Completion CompletionConfig `koanf:"completion"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Handlers   HandlersConfig   `koanf:"handlers"`
	Transport  TransportConfig  `koanf:"transport"`
	Events     EventsConfig     `koanf:"events"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// SessionConfig holds the context window policy.
type SessionConfig struct {
	// WindowSize is the number of previous prompts kept per session.
	WindowSize int `koanf:"window_size"`
	// SummaryThreshold is the joined previous-context length (in characters)
	// above which the context is summarized.
	SummaryThreshold int `koanf:"summary_threshold"`
}

// CompletionConfig configures the text-completion collaborator.
type CompletionConfig struct {
	Provider    string   `koanf:"provider"` // "openai" or "anthropic"
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Timeout     Duration `koanf:"timeout"`
	Temperature float64  `koanf:"temperature"`
}

// ClassifierConfig configures the task classifier.
type ClassifierConfig struct {
	// HeuristicFallback types fallback tasks with a keyword heuristic instead
	// of always producing a single clarify task.
	HeuristicFallback bool `koanf:"heuristic_fallback"`
}

// HandlersConfig points task handlers at remote agents. An empty URL keeps the
// completion-backed handler for that task type.
type HandlersConfig struct {
	EditURL    string   `koanf:"edit_url"`
	ActURL     string   `koanf:"act_url"`
	ClarifyURL string   `koanf:"clarify_url"`
	Timeout    Duration `koanf:"timeout"`
}

// TransportConfig configures the streaming WebSocket transport.
type TransportConfig struct {
	WriteTimeout   Duration `koanf:"write_timeout"`
	ReadLimitBytes int64    `koanf:"read_limit_bytes"`
	// RateLimit is the sustained plan_request rate per connection (per second).
	// Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// EventsConfig configures the NATS event mirror.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // "grpc" or "http/protobuf"
	ServiceName string `koanf:"service_name"`
	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate   float64  `koanf:"sampling_rate"`
	Insecure       bool     `koanf:"insecure"`
	Metrics        bool     `koanf:"metrics"`
	ExportInterval Duration `koanf:"export_interval"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			WindowSize:       2,
			SummaryThreshold: 100,
		},
		Completion: CompletionConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Timeout:     Duration(30 * time.Second),
			Temperature: 0.2,
		},
		Handlers: HandlersConfig{
			Timeout: Duration(60 * time.Second),
		},
		Transport: TransportConfig{
			WriteTimeout:   Duration(10 * time.Second),
			ReadLimitBytes: 64 * 1024,
			RateLimit:      5,
			RateBurst:      10,
		},
		Events: EventsConfig{
			Enabled: false,
			NATSURL: "nats://localhost:4222",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			ServiceName:    "plannerd",
			SamplingRate:   1.0,
			Insecure:       true,
			Metrics:        true,
			ExportInterval: Duration(15 * time.Second),
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Session.WindowSize < 1 {
		return fmt.Errorf("session window size must be >= 1, got %d", c.Session.WindowSize)
	}
	if c.Session.SummaryThreshold < 0 {
		return fmt.Errorf("session summary threshold must be >= 0, got %d", c.Session.SummaryThreshold)
	}

	switch c.Completion.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("completion provider must be 'openai' or 'anthropic', got %q", c.Completion.Provider)
	}
	if c.Completion.Model == "" {
		return errors.New("completion model is required")
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return fmt.Errorf("completion temperature must be within [0, 2], got %v", c.Completion.Temperature)
	}
	if c.Completion.BaseURL != "" {
		if err := validateURL(c.Completion.BaseURL); err != nil {
			return fmt.Errorf("completion base_url: %w", err)
		}
	}

	for name, u := range map[string]string{
		"edit_url":    c.Handlers.EditURL,
		"act_url":     c.Handlers.ActURL,
		"clarify_url": c.Handlers.ClarifyURL,
	} {
		if u == "" {
			continue
		}
		if err := validateURL(u); err != nil {
			return fmt.Errorf("handlers %s: %w", name, err)
		}
	}

	if c.Transport.RateLimit < 0 {
		return fmt.Errorf("transport rate limit must be >= 0, got %v", c.Transport.RateLimit)
	}
	if c.Transport.RateLimit > 0 && c.Transport.RateBurst < 1 {
		return errors.New("transport rate burst must be >= 1 when rate limiting is enabled")
	}
	if c.Transport.ReadLimitBytes <= 0 {
		return errors.New("transport read limit must be positive")
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events nats_url required when events are enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry sampling rate must be between 0 and 1, got %v", c.Telemetry.SamplingRate)
		}
		if c.Telemetry.Metrics && c.Telemetry.ExportInterval.Duration() <= 0 {
			return errors.New("telemetry export interval must be positive when metrics are enabled")
		}
	}

	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
