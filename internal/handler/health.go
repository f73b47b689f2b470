package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"httpcache-invalidator/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	service *service.InvalidationService
	version Version
}

type flushStatus struct {
	LastFlushAt    *time.Time `json:"last_flush_at,omitempty"`
	LastFlushCount int64      `json:"last_flush_count"`
	SentTotal      int64      `json:"sent_total"`
	FailedTotal    int64      `json:"failed_total"`
	FlushErrors    int64      `json:"flush_errors"`
}

type statusResponse struct {
	Status         string      `json:"status"`
	Version        string      `json:"version"`
	Kind           string      `json:"kind"`
	Servers        []string    `json:"servers"`
	BaseURL        string      `json:"base_url,omitempty"`
	AllowedSchemes []string    `json:"allowed_schemes"`
	Pending        int         `json:"pending"`
	Flush          flushStatus `json:"flush"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.InvalidationService, v Version) *HealthHandler {
	return &HealthHandler{service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the proxy configuration and flush statistics.
func (h *HealthHandler) Status(c echo.Context) error {
	st := h.service.Stats()
	fs := flushStatus{
		LastFlushCount: st.LastFlushCount,
		SentTotal:      st.SentTotal,
		FailedTotal:    st.FailedTotal,
		FlushErrors:    st.FlushErrors,
	}
	if !st.LastFlushAt.IsZero() {
		fs.LastFlushAt = &st.LastFlushAt
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		Kind:           h.service.Kind().String(),
		Servers:        h.service.Servers(),
		BaseURL:        h.service.BaseURL(),
		AllowedSchemes: h.service.AllowedSchemes(),
		Pending:        h.service.Pending(),
		Flush:          fs,
	})
}
