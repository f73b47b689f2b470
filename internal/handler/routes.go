package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, inv *InvalidationHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	g := e.Group("/invalidate")
	g.POST("/purge", inv.Purge)
	g.POST("/refresh", inv.Refresh)
	g.POST("/ban", inv.Ban)
	g.POST("/tags", inv.Tags)

	e.POST("/flush", inv.Flush)
}
