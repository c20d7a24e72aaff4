package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/deskbridge/deskbridge/internal/api/middleware"
	v1 "github.com/deskbridge/deskbridge/internal/api/v1"
	"github.com/deskbridge/deskbridge/internal/incremental"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/migration"
	"github.com/deskbridge/deskbridge/internal/observability"
	"github.com/deskbridge/deskbridge/internal/refsync"
)

// Server is the HTTP control surface.
type Server struct {
	echo    *echo.Echo
	config  *Config
	logger  logger.Logger
	version string

	migration *migration.Orchestrator
	reference *refsync.Engine
	scheduler *incremental.Scheduler
	metrics   *observability.Metrics

	apiController *v1.Controller

	startTime time.Time
	errCh     chan error
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = log
	}
}

// WithMigration exposes the ticket migration.
func WithMigration(o *migration.Orchestrator) ServerOption {
	return func(s *Server) {
		s.migration = o
	}
}

// WithReference exposes reference sync.
func WithReference(e *refsync.Engine) ServerOption {
	return func(s *Server) {
		s.reference = e
	}
}

// WithScheduler exposes the incremental scheduler.
func WithScheduler(sc *incremental.Scheduler) ServerOption {
	return func(s *Server) {
		s.scheduler = sc
	}
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new HTTP server with the given configuration and options.
func New(config *Config, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:    config,
		startTime: time.Now(),
		errCh:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Global().Module("api")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("HTTP server initialized",
		logger.String("address", config.Listen),
		logger.Bool("auth", config.Token != ""))

	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestLogger(s.logger))
	s.echo.Use(mw.NewCORS(mw.SecurityConfig{AllowedOrigins: s.config.AllowedOrigins}))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders())
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	s.apiController = v1.New(s.echo,
		v1.WithMigration(s.migration),
		v1.WithReference(s.reference),
		v1.WithScheduler(s.scheduler),
		v1.WithAuthMiddleware(mw.NewBearerAuth(s.config.Token)),
		v1.WithLogger(s.logger),
	)
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	resp := map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.migration != nil {
		resp["migration_running"] = s.migration.IsRunning()
	}
	return c.JSON(http.StatusOK, resp)
}

// Start begins serving HTTP requests in a background goroutine and returns
// immediately. Serve errors are delivered on Errors.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting HTTP server", logger.String("address", s.config.Listen))
		if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", logger.Error(err))
			s.errCh <- fmt.Errorf("server error: %w", err)
		}
		close(s.errCh)
	}()
}

// Errors is closed when the server stops and carries a serve error, if any.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
// This is useful for testing or advanced configuration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
