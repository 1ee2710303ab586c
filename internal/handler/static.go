package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"codiner-proxy/internal/resource"
)

// StaticHandler serves the service-worker script without touching the upstream.
type StaticHandler struct {
	bundle *resource.Bundle
}

// NewStaticHandler creates a StaticHandler.
func NewStaticHandler(bundle *resource.Bundle) *StaticHandler {
	return &StaticHandler{bundle: bundle}
}

// ServiceWorker writes the loaded script, scoped to the whole origin.
func (h *StaticHandler) ServiceWorker(c echo.Context) error {
	content, ok := h.bundle.Get(resource.ServiceWorker)
	if !ok {
		return c.String(http.StatusNotFound, "Service Worker file not found")
	}

	header := c.Response().Header()
	header.Set("Service-Worker-Allowed", "/")
	header.Set(echo.HeaderCacheControl, "no-cache")
	return c.Blob(http.StatusOK, "application/javascript", []byte(content))
}
