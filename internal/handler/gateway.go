package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"echo-from/internal/client"
	"echo-from/internal/config"
	"echo-from/internal/httpheader"
	"echo-from/internal/model"
	"echo-from/internal/service"
)

// GatewayHandler serves the configured [[routes]] through the forwarder and
// maps forward errors onto replies.
type GatewayHandler struct {
	base   string
	logger *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(cfg *config.Config, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		base:   cfg.Forward.Base,
		logger: logger.With("component", "gateway_handler"),
	}
}

// Route returns the handler for one configured route.
func (h *GatewayHandler) Route(rc config.RouteConfig) (echo.HandlerFunc, error) {
	upstream := rc.Target
	if upstream == "" {
		upstream = h.base
	}
	var prefixURL *url.URL
	if upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: parse upstream: %w", rc.Prefix, err)
		}
		prefixURL = u
	}
	opts := routeOptions(rc)

	return func(c echo.Context) error {
		target := ""
		if prefixURL != nil {
			path := c.Request().URL.EscapedPath()
			if rc.StripPrefix {
				path = stripPrefix(path, rc.Prefix)
			}
			u, err := service.JoinPath(prefixURL, path)
			if err != nil {
				return h.mapError(c, err)
			}
			target = u.String()
		}

		if err := From(c)(target, opts); err != nil {
			return h.mapError(c, err)
		}
		return nil
	}, nil
}

// Base forwards any request to forward.base plus the inbound path.
func (h *GatewayHandler) Base(c echo.Context) error {
	if err := From(c)("", nil); err != nil {
		return h.mapError(c, err)
	}
	return nil
}

func routeOptions(rc config.RouteConfig) *model.Options {
	opts := &model.Options{ContentType: rc.ContentType}
	if len(rc.Query) > 0 {
		q := make(url.Values, len(rc.Query))
		for k, v := range rc.Query {
			q.Set(k, v)
		}
		opts.QueryString = q
	}
	if len(rc.DropResponseHeaders) > 0 {
		drop := make(map[string]bool, len(rc.DropResponseHeaders))
		for _, name := range rc.DropResponseHeaders {
			drop[http.CanonicalHeaderKey(name)] = true
		}
		opts.RewriteHeaders = dropHeaders(drop)
	}
	return opts
}

// dropHeaders returns a rewriter that keeps every forwardable upstream header
// except the dropped ones.
func dropHeaders(drop map[string]bool) model.HeaderRewriter {
	return func(res *model.UpstreamResponse) http.Header {
		out := make(http.Header, len(res.Header))
		for key, vals := range res.Header {
			ck := http.CanonicalHeaderKey(key)
			if drop[ck] || httpheader.IsHopByHop(ck) {
				continue
			}
			out[ck] = append([]string(nil), vals...)
		}
		return out
	}
}

func stripPrefix(path, prefix string) string {
	if prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

func (h *GatewayHandler) mapError(c echo.Context, err error) error {
	if c.Response().Committed {
		// Status already sent; the client sees a truncated body.
		h.logger.Error("relay interrupted",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return nil
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, service.ErrMissingTarget), errors.Is(err, service.ErrInvalidTarget):
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "no upstream configured for this route",
		})
	case service.IsValidation(err), errors.Is(err, ErrNotRegistered):
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "request could not be forwarded",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	if errors.Is(err, client.ErrUpstream) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
