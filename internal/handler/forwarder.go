// Package handler binds the forwarding engine to Echo: the per-request
// forward function, the response relay, and the gateway routes.
package handler

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"

	"echo-from/internal/metrics"
	"echo-from/internal/model"
	"echo-from/internal/service"
)

// forwardContextKey is the echo.Context key holding the bound ForwardFunc.
const forwardContextKey = "echo-from.forward"

// ErrNotRegistered is returned by the ForwardFunc of a context that did not
// pass through Forwarder.Middleware.
var ErrNotRegistered = errors.New("forwarder middleware not registered for this route")

// ForwardFunc forwards the request of the context it is bound to. An empty
// target forwards to the configured base plus the inbound path; opts may be nil.
type ForwardFunc func(target string, opts *model.Options) error

// Forwarder is configured once and serves every forward call.
type Forwarder struct {
	svc     *service.ForwardService
	relay   *Relay
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder. The metrics parameter is optional.
func NewForwarder(svc *service.ForwardService, relay *Relay, m *metrics.Metrics, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		svc:     svc,
		relay:   relay,
		metrics: m,
		logger:  logger.With("component", "forwarder"),
	}
}

// Middleware binds a ForwardFunc to every request passing through it.
func (f *Forwarder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(forwardContextKey, f.bind(c))
			return next(c)
		}
	}
}

func (f *Forwarder) bind(c echo.Context) ForwardFunc {
	return func(target string, opts *model.Options) error {
		return f.Forward(c, target, opts)
	}
}

// From returns the ForwardFunc bound to c.
func From(c echo.Context) ForwardFunc {
	if fn, ok := c.Get(forwardContextKey).(ForwardFunc); ok {
		return fn
	}
	return func(string, *model.Options) error { return ErrNotRegistered }
}

// Forward composes the outbound request for c, sends it, and relays the
// response. Validation errors are returned before any upstream contact and
// leave the reply untouched. The error is never turned into a status code here.
func (f *Forwarder) Forward(c echo.Context, target string, opts *model.Options) error {
	fr, err := f.svc.Prepare(c.Request(), target, opts)
	if err != nil {
		f.finish(c, stateRejected, err)
		return err
	}

	res, err := f.svc.Dispatch(fr)
	if err != nil {
		f.finish(c, stateFailed, err)
		return err
	}

	f.logger.Debug("upstream responded",
		"state", stateRelaying.String(),
		"status", res.StatusCode,
		"target", fr.URL.Redacted(),
	)

	if err := f.relay.Relay(c, res, opts); err != nil {
		f.finish(c, stateFailed, err)
		return err
	}
	f.finish(c, stateCompleted, nil)
	return nil
}

func (f *Forwarder) finish(c echo.Context, state relayState, err error) {
	if f.metrics != nil {
		f.metrics.ForwardResults.WithLabelValues(state.String()).Inc()
	}
	switch state {
	case stateRejected:
		f.logger.Warn("forward rejected",
			"err", err,
			"path", c.Request().URL.Path,
		)
	case stateFailed:
		f.logger.Error("forward failed",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
}
