package handler

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"echo-from/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Forwarding
// routes get the Forwarder middleware; with no [[routes]] and a base set,
// every other path is forwarded to the base.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, fwd *Forwarder, gateway *GatewayHandler, health *HealthHandler) error {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	bind := fwd.Middleware()
	for _, rc := range cfg.Routes {
		h, err := gateway.Route(rc)
		if err != nil {
			return fmt.Errorf("register routes: %w", err)
		}
		if rc.Prefix == "/" {
			e.Any("/*", h, bind)
			continue
		}
		e.Any(rc.Prefix, h, bind)
		e.Any(rc.Prefix+"/*", h, bind)
	}

	if len(cfg.Routes) == 0 && cfg.Forward.Base != "" {
		e.Any("/*", gateway.Base, bind)
	}
	return nil
}
