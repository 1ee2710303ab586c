package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"codiner-proxy/internal/resource"
	"codiner-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the admin health and status endpoints.
type HealthHandler struct {
	target  *service.Target
	bundle  *resource.Bundle
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(target *service.Target, bundle *resource.Bundle, v Version) *HealthHandler {
	return &HealthHandler{target: target, bundle: bundle, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Upstream  string        `json:"upstream"`
	Resources []resource.ID `json:"resources"`
}

// Status reports the version, upstream origin and which payloads loaded.
func (h *HealthHandler) Status(c echo.Context) error {
	loaded := []resource.ID{}
	if h.bundle != nil {
		loaded = append(loaded, h.bundle.Loaded()...)
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:    "ok",
		Version:   string(h.version),
		Upstream:  h.target.Origin(),
		Resources: loaded,
	})
}
