package handler

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"httpcache-invalidator/internal/model"
	"httpcache-invalidator/internal/queue"
	"httpcache-invalidator/internal/service"
	"httpcache-invalidator/internal/transport"
)

// urlRequest is the body of purge and refresh calls.
type urlRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// banRequest is either a raw header ban or a path ban.
type banRequest struct {
	Headers     map[string]string `json:"headers"`
	Path        string            `json:"path"`
	ContentType string            `json:"content_type"`
	Hosts       []string          `json:"hosts"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type failureResponse struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Server string `json:"server"`
	Error  string `json:"error"`
}

// InvalidationHandler queues invalidations and flushes them on request.
type InvalidationHandler struct {
	service *service.InvalidationService
	logger  *slog.Logger
}

// NewInvalidationHandler creates an InvalidationHandler.
func NewInvalidationHandler(svc *service.InvalidationService, logger *slog.Logger) *InvalidationHandler {
	return &InvalidationHandler{
		service: svc,
		logger:  logger.With("component", "invalidation_handler"),
	}
}

// Purge queues a purge of the given URL.
func (h *InvalidationHandler) Purge(c echo.Context) error {
	var body urlRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := h.service.Purge(body.URL, toHeaders(body.Headers)); err != nil {
		return h.mapError(c, err)
	}
	return h.accepted(c)
}

// Refresh queues a refresh of the given URL.
func (h *InvalidationHandler) Refresh(c echo.Context) error {
	var body urlRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := h.service.Refresh(body.URL, toHeaders(body.Headers)); err != nil {
		return h.mapError(c, err)
	}
	return h.accepted(c)
}

// Ban queues a ban. A body with a path is a path ban, anything else is a
// header ban.
func (h *InvalidationHandler) Ban(c echo.Context) error {
	var body banRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	var err error
	if body.Path != "" {
		err = h.service.BanPath(body.Path, body.ContentType, body.Hosts)
	} else {
		err = h.service.Ban(toHeaders(body.Headers))
	}
	if err != nil {
		return h.mapError(c, err)
	}
	return h.accepted(c)
}

// Tags queues a cache tag invalidation.
func (h *InvalidationHandler) Tags(c echo.Context) error {
	var body tagsRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := h.service.InvalidateTags(body.Tags); err != nil {
		return h.mapError(c, err)
	}
	return h.accepted(c)
}

// Flush sends every queued invalidation to the proxy servers. A client
// disconnecting does not abort the send: the batch has already left the queue.
func (h *InvalidationHandler) Flush(c echo.Context) error {
	n, err := h.service.Flush(context.WithoutCancel(c.Request().Context()))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"sent": n})
}

func (h *InvalidationHandler) accepted(c echo.Context) error {
	return c.JSON(http.StatusAccepted, map[string]int{"queued": h.service.Pending()})
}

func (h *InvalidationHandler) mapError(c echo.Context, err error) error {
	var cfgErr *queue.ConfigurationError
	if errors.As(err, &cfgErr) || errors.Is(err, service.ErrSchemeNotAllowed) {
		return badRequest(c, err.Error())
	}

	if errors.Is(err, service.ErrUnsupported) {
		return c.JSON(http.StatusNotImplemented, map[string]string{
			"error": err.Error(),
		})
	}

	h.logger.Error("flush error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var te *transport.TransportError
	if errors.As(err, &te) {
		failures := make([]failureResponse, 0, len(te.Failures))
		for _, f := range te.Failures {
			failures = append(failures, failureResponse{
				Method: f.Request.Method(),
				URL:    f.Request.URL(),
				Server: f.Request.Server(),
				Error:  f.Err.Error(),
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":    "invalidation requests failed",
			"sent":     te.Total,
			"failures": failures,
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "flush timed out",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "flush failed",
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// toHeaders converts a JSON header object, in sorted key order.
func toHeaders(m map[string]string) model.Headers {
	var h model.Headers
	for _, k := range slices.Sorted(maps.Keys(m)) {
		h.Set(k, m[k])
	}
	return h
}
