package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plannerd/internal/agents"
	"github.com/fyrsmithlabs/plannerd/internal/classifier"
	"github.com/fyrsmithlabs/plannerd/internal/completion"
	"github.com/fyrsmithlabs/plannerd/internal/config"
	"github.com/fyrsmithlabs/plannerd/internal/contextpolicy"
	"github.com/fyrsmithlabs/plannerd/internal/events"
	httpserver "github.com/fyrsmithlabs/plannerd/internal/http"
	"github.com/fyrsmithlabs/plannerd/internal/logging"
	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/orchestrator"
	"github.com/fyrsmithlabs/plannerd/internal/session"
	"github.com/fyrsmithlabs/plannerd/internal/task"
	"github.com/fyrsmithlabs/plannerd/internal/telemetry"
	"github.com/fyrsmithlabs/plannerd/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the plannerd daemon",
	Long: `Start the plannerd HTTP server with the plan stream, the classify
endpoint and the Prometheus metrics endpoint.

Examples:
  # Start with defaults
  plannerd serve

  # Start with a configuration file
  plannerd serve --config /etc/plannerd/plannerd.yaml

  # Override the port via environment
  PLANNERD_SERVER_PORT=8080 plannerd serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg)
}

// run starts plannerd and blocks until ctx is cancelled.
//
// Startup order:
//  1. Validates configuration
//  2. Initializes logger and telemetry
//  3. Builds the planning pipeline (sessions, completion, classifier, handlers)
//  4. Connects the optional NATS event mirror
//  5. Starts the HTTP server with the plan stream gateway
//
// On cancellation the gateway is closed first so that in-flight plans end
// with an error event, then the HTTP server and telemetry are shut down.
func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting plannerd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("provider", cfg.Completion.Provider),
		zap.String("model", cfg.Completion.Model),
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("telemetry", cfg.Telemetry.Enabled))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- deps.server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			deps.Close(context.Background(), cfg)
			return fmt.Errorf("http server: %w", err)
		}
	}

	deps.Close(context.Background(), cfg)
	logger.Info(context.Background(), "plannerd stopped")
	return nil
}

// dependencies holds everything run owns.
type dependencies struct {
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     *session.Store
	gateway   *transport.Gateway
	publisher *events.Publisher
	server    *httpserver.Server
}

// initDependencies builds the service graph from cfg.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger.Underlying().Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if tel.IsEnabled() {
		logger = logger.WithOTel(cfg.Telemetry.ServiceName, tel.LoggerProvider())
	}
	zl := logger.Underlying()
	deps := &dependencies{logger: logger, telemetry: tel}

	m := metrics.NewMetrics()
	deps.store = session.NewStore(cfg.Session.WindowSize, cfg.Session.SummaryThreshold)

	completer, err := completion.New(completion.Config{
		Provider:    cfg.Completion.Provider,
		Model:       cfg.Completion.Model,
		BaseURL:     cfg.Completion.BaseURL,
		APIKey:      cfg.Completion.APIKey.Value(),
		Timeout:     cfg.Completion.Timeout.Duration(),
		Temperature: cfg.Completion.Temperature,
	}, zl.Named("completion"))
	if err != nil {
		return nil, fmt.Errorf("completion client: %w", err)
	}

	policy, err := contextpolicy.New(deps.store, contextpolicy.NewCompletionSummarizer(completer), m, zl.Named("context"))
	if err != nil {
		return nil, fmt.Errorf("context policy: %w", err)
	}

	cls := classifier.New(completer,
		classifier.WithHeuristicFallback(cfg.Classifier.HeuristicFallback),
		classifier.WithMetrics(m),
		classifier.WithLogger(zl.Named("classifier")),
	)

	registry := task.NewRegistry()
	if err := agents.RegisterDefaults(registry, agents.Settings{
		EditURL:    cfg.Handlers.EditURL,
		ActURL:     cfg.Handlers.ActURL,
		ClarifyURL: cfg.Handlers.ClarifyURL,
		Timeout:    cfg.Handlers.Timeout.Duration(),
	}, completer, zl.Named("agents")); err != nil {
		return nil, fmt.Errorf("task handlers: %w", err)
	}
	dispatcher, err := task.NewDispatcher(registry, deps.store, zl.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:      deps.store,
		Context:    policy,
		Classifier: cls,
		Dispatcher: dispatcher,
		Metrics:    m,
		Tracer:     tel.Tracer(orchestrator.TracerName),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	opts := transport.Options{
		WriteTimeout: cfg.Transport.WriteTimeout.Duration(),
		ReadLimit:    cfg.Transport.ReadLimitBytes,
		RateLimit:    cfg.Transport.RateLimit,
		RateBurst:    cfg.Transport.RateBurst,
		Metrics:      m,
		Logger:       logger,
	}
	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events.NATSURL, m, zl.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("event mirror: %w", err)
		}
		deps.publisher = pub
		opts.Decorate = pub.Wrap
	}

	deps.gateway, err = transport.New(orch, opts)
	if err != nil {
		deps.closePublisher()
		return nil, fmt.Errorf("plan stream gateway: %w", err)
	}

	deps.server, err = httpserver.NewServer(httpserver.Deps{
		Classifier: orch,
		Stream:     deps.gateway,
		Metrics:    httpserver.NewHTTPMetrics(tel.Meter(httpserver.InstrumentationName), zl.Named("http")),
		Status:     deps.status(cfg),
	}, zl.Named("http"), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		deps.closePublisher()
		return nil, fmt.Errorf("http server: %w", err)
	}

	return deps, nil
}

// status reports live service state for GET /api/v1/status.
func (d *dependencies) status(cfg *config.Config) httpserver.StatusFunc {
	return func() httpserver.StatusResponse {
		services := map[string]string{
			"completion": "ok",
			"events":     "disabled",
			"telemetry":  "disabled",
		}
		if d.publisher != nil {
			services["events"] = "ok"
			if !d.publisher.Connected() {
				services["events"] = "disconnected"
			}
		}
		if cfg.Telemetry.Enabled {
			services["telemetry"] = "ok"
			if d.telemetry.Health().Degraded {
				services["telemetry"] = "degraded"
			}
		}
		return httpserver.StatusResponse{
			Services: services,
			Sessions: d.store.Len(),
			Inflight: d.gateway.Inflight(),
		}
	}
}

// Close shuts everything down within the configured shutdown timeout.
func (d *dependencies) Close(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := d.gateway.Close(ctx); err != nil {
		d.logger.Warn(ctx, "plan stream shutdown incomplete", zap.Error(err))
	}
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn(ctx, "http server shutdown error", zap.Error(err))
	}
	if d.publisher != nil {
		if err := d.publisher.Flush(ctx); err != nil {
			d.logger.Warn(ctx, "event mirror flush failed", zap.Error(err))
		}
	}
	d.closePublisher()
	if err := d.telemetry.Shutdown(ctx); err != nil {
		d.logger.Warn(ctx, "telemetry shutdown error", zap.Error(err))
	}
}

func (d *dependencies) closePublisher() {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Close(); err != nil {
		d.logger.Warn(context.Background(), "event mirror close failed", zap.Error(err))
	}
}
