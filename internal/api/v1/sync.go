package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// initSyncRoutes registers the incremental sync routes.
func (c *Controller) initSyncRoutes() {
	g := c.Group.Group("/sync")

	g.GET("/status", c.GetSyncStatus)
	g.POST("/tick", c.TriggerSyncTick, c.protected()...)
}

// GetSyncStatus handles GET /api/v1/sync/status
func (c *Controller) GetSyncStatus(ctx echo.Context) error {
	if c.scheduler == nil {
		return c.notConfigured(ctx, "incremental sync")
	}
	return ctx.JSON(http.StatusOK, c.scheduler.Status())
}

// TriggerSyncTick handles POST /api/v1/sync/tick. A tick skipped because
// another one is in flight answers 409 with the zero result.
func (c *Controller) TriggerSyncTick(ctx echo.Context) error {
	if c.scheduler == nil {
		return c.notConfigured(ctx, "incremental sync")
	}
	res, err := c.scheduler.Tick(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Sync tick failed", statusFor(err))
	}
	if res.Busy {
		return ctx.JSON(http.StatusConflict, res)
	}
	return ctx.JSON(http.StatusOK, res)
}
