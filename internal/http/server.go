// Package http provides the HTTP API for plannerd: health and status, the
// non-streaming classify endpoint, the plan stream upgrade route and the
// Prometheus scrape endpoint.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/orchestrator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Classifier answers single classification requests.
type Classifier interface {
	ClassifyOnce(ctx context.Context, sessionID, text string) (orchestrator.ClassifyResponse, error)
}

// StatusFunc reports live counters for GET /api/v1/status.
type StatusFunc func() StatusResponse

// Deps are the collaborators served by the API.
type Deps struct {
	Classifier Classifier
	// Stream serves GET /api/v1/plans/ws.
	Stream http.Handler

	// Optional.
	Metrics  *HTTPMetrics
	Gatherer prometheus.Gatherer
	Status   StatusFunc
}

// Server provides HTTP endpoints for plannerd.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Classifier == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}
	if deps.Stream == nil {
		return nil, fmt.Errorf("stream handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/classify", s.handleClassify)
	v1.GET("/plans/ws", echo.WrapHandler(s.deps.Stream))
}

// ClassifyRequest is the request body for POST /api/v1/classify.
type ClassifyRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Sessions int               `json:"sessions"`
	Inflight int               `json:"inflight_requests"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Services: map[string]string{}}
	if s.deps.Status != nil {
		resp = s.deps.Status()
		if resp.Services == nil {
			resp.Services = map[string]string{}
		}
	}
	if resp.Status == "" {
		resp.Status = "ok"
		for _, state := range resp.Services {
			if state != "ok" && state != "disabled" {
				resp.Status = "degraded"
			}
		}
	}
	resp.Version = s.config.Version
	return c.JSON(http.StatusOK, resp)
}

// handleClassify classifies one instruction without executing it.
func (s *Server) handleClassify(c echo.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid classify request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id field is required")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}

	resp, err := s.deps.Classifier.ClassifyOnce(c.Request().Context(), req.SessionID, req.Text)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "classification interrupted")
	default:
		s.logger.Error("classify failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "classification failed")
	}

	s.logger.Debug("classified",
		zap.String("session_id", req.SessionID),
		zap.String("step_id", resp.StepID),
		zap.String("type", string(resp.StepType)),
	)
	return c.JSON(http.StatusOK, resp)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
