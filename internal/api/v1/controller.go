// Package api implements the JSON endpoints of the deskbridge control surface.
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/deskbridge/deskbridge/internal/errors"
	"github.com/deskbridge/deskbridge/internal/incremental"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/migration"
	"github.com/deskbridge/deskbridge/internal/refsync"
)

// Prefix is the path prefix of every JSON route.
const Prefix = "/api/v1"

// Controller manages the API routes and handlers
type Controller struct {
	Group *echo.Group

	migration *migration.Orchestrator
	reference *refsync.Engine
	scheduler *incremental.Scheduler
	logger    logger.Logger

	// authMiddleware guards mutating routes; nil leaves them open.
	authMiddleware echo.MiddlewareFunc
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithMigration sets the ticket migration orchestrator.
func WithMigration(o *migration.Orchestrator) Option {
	return func(c *Controller) {
		c.migration = o
	}
}

// WithReference sets the reference sync engine.
func WithReference(e *refsync.Engine) Option {
	return func(c *Controller) {
		c.reference = e
	}
}

// WithScheduler sets the incremental sync scheduler.
func WithScheduler(s *incremental.Scheduler) Option {
	return func(c *Controller) {
		c.scheduler = s
	}
}

// WithAuthMiddleware sets the middleware protecting mutating routes.
func WithAuthMiddleware(mw echo.MiddlewareFunc) Option {
	return func(c *Controller) {
		c.authMiddleware = mw
	}
}

// WithLogger sets the controller logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Controller) {
		c.logger = log
	}
}

// New registers the JSON routes on e. Components that are not configured
// answer 503.
func New(e *echo.Echo, opts ...Option) *Controller {
	c := &Controller{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Global().Module("api")
	}

	c.Group = e.Group(Prefix)
	c.initMigrationRoutes()
	c.initReferenceRoutes()
	c.initSyncRoutes()
	return c
}

// protected returns the middleware list of a mutating route.
func (c *Controller) protected() []echo.MiddlewareFunc {
	if c.authMiddleware == nil {
		return nil
	}
	return []echo.MiddlewareFunc{c.authMiddleware}
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
}

// HandleError logs err and answers with an ErrorResponse.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		c.logger.Error("API error", fields...)
	} else {
		c.logger.Debug("API error", fields...)
	}

	return ctx.JSON(code, resp)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, migration.ErrAlreadyRunning), errors.Is(err, refsync.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, migration.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, refsync.ErrUnknownDomain):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (c *Controller) notConfigured(ctx echo.Context, component string) error {
	return c.HandleError(ctx, nil, component+" is not configured", http.StatusServiceUnavailable)
}
