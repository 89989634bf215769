package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"echo-from/internal/client"
	"echo-from/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	client  *client.UpstreamClient
}

// statusResponse is the body of GET /proxy/status.
type statusResponse struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	Base     string        `json:"base,omitempty"`
	Routes   int           `json:"routes"`
	Upstream *client.Stats `json:"upstream,omitempty"`
}

// NewHealthHandler creates a HealthHandler. The client is optional.
func NewHealthHandler(cfg *config.Config, v Version, c *client.UpstreamClient) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, client: c}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status and upstream pool statistics.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Base:    h.cfg.Forward.Base,
		Routes:  len(h.cfg.Routes),
	}
	if h.client != nil {
		s := h.client.Stats()
		resp.Upstream = &s
	}
	return c.JSON(http.StatusOK, resp)
}
