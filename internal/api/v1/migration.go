package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/deskbridge/deskbridge/internal/datastore/target/entities"
	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/migration"
)

// MigrationStartResponse answers a start request.
type MigrationStartResponse struct {
	Message  string             `json:"message"`
	Progress migration.Progress `json:"progress"`
}

// MigrationStopResponse answers a stop request.
type MigrationStopResponse struct {
	Stopping bool   `json:"stopping"`
	Message  string `json:"message"`
}

// LedgerEntryResponse is one ledger row.
type LedgerEntryResponse struct {
	LegacyID    int64     `json:"legacyId"`
	Status      string    `json:"status"`
	TargetID    string    `json:"targetId,omitempty"`
	ChildCount  int       `json:"childCount"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// MigrationLogResponse is one page of the ticket ledger.
type MigrationLogResponse struct {
	Entries []LedgerEntryResponse `json:"entries"`
	Total   int64                 `json:"total"`
	Offset  int                   `json:"offset"`
	Limit   int                   `json:"limit"`
}

// initMigrationRoutes registers the migration API routes.
func (c *Controller) initMigrationRoutes() {
	g := c.Group.Group("/migration")

	g.GET("/status", c.GetMigrationStatus)
	g.GET("/preview", c.PreviewMigration)
	g.GET("/validate", c.ValidateMigration)
	g.GET("/log", c.GetMigrationLog)

	g.POST("/start", c.StartMigration, c.protected()...)
	g.POST("/stop", c.StopMigration, c.protected()...)
	g.POST("/retry-failed", c.RetryFailedMigration, c.protected()...)
}

// GetMigrationStatus handles GET /api/v1/migration/status
func (c *Controller) GetMigrationStatus(ctx echo.Context) error {
	if c.migration == nil {
		return c.notConfigured(ctx, "migration")
	}
	return ctx.JSON(http.StatusOK, c.migration.Progress())
}

// StartMigration handles POST /api/v1/migration/start
func (c *Controller) StartMigration(ctx echo.Context) error {
	if c.migration == nil {
		return c.notConfigured(ctx, "migration")
	}

	var opts migration.StartOptions
	if ctx.Request().ContentLength != 0 {
		if err := ctx.Bind(&opts); err != nil {
			return c.HandleError(ctx, err, "Invalid start options", http.StatusBadRequest)
		}
	}
	if opts.BatchSize < 0 || opts.MaxRequests < 0 {
		return c.HandleError(ctx, nil, "batchSize and maxRequests must not be negative", http.StatusBadRequest)
	}

	msg, err := c.migration.Start(ctx.Request().Context(), opts)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to start migration", statusFor(err))
	}

	code := http.StatusAccepted
	if opts.DryRun {
		code = http.StatusOK
	}
	return ctx.JSON(code, MigrationStartResponse{Message: msg, Progress: c.migration.Progress()})
}

// StopMigration handles POST /api/v1/migration/stop
func (c *Controller) StopMigration(ctx echo.Context) error {
	if c.migration == nil {
		return c.notConfigured(ctx, "migration")
	}
	if !c.migration.Stop() {
		return ctx.JSON(http.StatusOK, MigrationStopResponse{Message: "no migration is running"})
	}
	return ctx.JSON(http.StatusAccepted, MigrationStopResponse{
		Stopping: true,
		Message:  "migration will stop after the current batch",
	})
}

// PreviewMigration handles GET /api/v1/migration/preview?limit=N
func (c *Controller) PreviewMigration(ctx echo.Context) error {
	if c.migration == nil {
		return c.notConfigured(ctx, "migration")
	}
	limit, err := intParam(ctx, "limit", migration.MaxPreview)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid limit", http.StatusBadRequest)
	}

	items, err := c.migration.Preview(ctx.Request().Context(), limit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to preview migration", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, items)
}

// ValidateMigration handles GET /api/v1/migration/validate
func (c *Controller) ValidateMigration(ctx echo.Context) error {
	if c.migration == nil {
		return c.notConfigured(ctx, "migration")
	}
	report, err := c.migration.Validate(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to validate migration", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, report)
}

// RetryFailedMigration handles POST /api/v1/migration/retry-failed
func (c *Controller) RetryFailedMigration(ctx echo.Context) error {
	if c.migration == nil {
		return c.notConfigured(ctx, "migration")
	}
	res, err := c.migration.RetryFailed(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to retry failed tickets", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, res)
}

// GetMigrationLog handles GET /api/v1/migration/log?status=failed&offset=0&limit=50
func (c *Controller) GetMigrationLog(ctx echo.Context) error {
	if c.migration == nil {
		return c.notConfigured(ctx, "migration")
	}

	status := entities.LedgerStatus(ctx.QueryParam("status"))
	switch status {
	case "", entities.LedgerStatusCompleted, entities.LedgerStatusFailed:
	default:
		return c.HandleError(ctx, nil, "status must be completed or failed", http.StatusBadRequest)
	}
	offset, err := intParam(ctx, "offset", 0)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid offset", http.StatusBadRequest)
	}
	limit, err := intParam(ctx, "limit", 50)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid limit", http.StatusBadRequest)
	}

	rows, total, err := c.migration.Log(ctx.Request().Context(), ledger.Filter{
		Status: status,
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read migration log", statusFor(err))
	}

	resp := MigrationLogResponse{
		Entries: make([]LedgerEntryResponse, 0, len(rows)),
		Total:   total,
		Offset:  offset,
		Limit:   limit,
	}
	for i := range rows {
		resp.Entries = append(resp.Entries, LedgerEntryResponse{
			LegacyID:    rows[i].LegacyID,
			Status:      string(rows[i].Status),
			TargetID:    rows[i].TargetID,
			ChildCount:  rows[i].ChildCount,
			Error:       rows[i].Error,
			ProcessedAt: rows[i].ProcessedAt,
		})
	}
	return ctx.JSON(http.StatusOK, resp)
}

// intParam reads a non-negative integer query parameter.
func intParam(ctx echo.Context, name string, fallback int) (int, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
