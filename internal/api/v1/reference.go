package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/deskbridge/deskbridge/internal/refsync"
)

// ReferenceStartRequest is the optional body of a reference start request.
type ReferenceStartRequest struct {
	BatchSize int `json:"batchSize"`
}

// initReferenceRoutes registers the reference sync routes.
func (c *Controller) initReferenceRoutes() {
	g := c.Group.Group("/reference")

	g.GET("/domains", c.ListReferenceDomains)
	g.GET("/status", c.GetReferenceStatus)
	g.GET("/:domain/status", c.GetReferenceDomainStatus)
	g.GET("/:domain/validate", c.ValidateReference)

	g.POST("/:domain/start", c.StartReference, c.protected()...)
}

// ListReferenceDomains handles GET /api/v1/reference/domains
func (c *Controller) ListReferenceDomains(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, refsync.Domains())
}

// GetReferenceStatus handles GET /api/v1/reference/status
func (c *Controller) GetReferenceStatus(ctx echo.Context) error {
	if c.reference == nil {
		return c.notConfigured(ctx, "reference sync")
	}
	return ctx.JSON(http.StatusOK, c.reference.AllProgress())
}

// GetReferenceDomainStatus handles GET /api/v1/reference/:domain/status
func (c *Controller) GetReferenceDomainStatus(ctx echo.Context) error {
	if c.reference == nil {
		return c.notConfigured(ctx, "reference sync")
	}
	domain := ctx.Param("domain")
	if _, ok := refsync.LookupDomain(domain); !ok {
		return c.HandleError(ctx, refsync.ErrUnknownDomain, "Unknown reference domain", http.StatusNotFound)
	}
	p, ok := c.reference.Progress(domain)
	if !ok {
		p = refsync.Progress{Domain: domain}
	}
	return ctx.JSON(http.StatusOK, p)
}

// StartReference handles POST /api/v1/reference/:domain/start
func (c *Controller) StartReference(ctx echo.Context) error {
	if c.reference == nil {
		return c.notConfigured(ctx, "reference sync")
	}

	var req ReferenceStartRequest
	if ctx.Request().ContentLength != 0 {
		if err := ctx.Bind(&req); err != nil {
			return c.HandleError(ctx, err, "Invalid start options", http.StatusBadRequest)
		}
	}

	domain := ctx.Param("domain")
	if err := c.reference.Start(ctx.Request().Context(), domain, req.BatchSize); err != nil {
		return c.HandleError(ctx, err, "Failed to start reference sync", statusFor(err))
	}
	p, _ := c.reference.Progress(domain)
	return ctx.JSON(http.StatusAccepted, p)
}

// ValidateReference handles GET /api/v1/reference/:domain/validate
func (c *Controller) ValidateReference(ctx echo.Context) error {
	if c.reference == nil {
		return c.notConfigured(ctx, "reference sync")
	}
	report, err := c.reference.Validate(ctx.Request().Context(), ctx.Param("domain"))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to validate reference domain", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, report)
}
