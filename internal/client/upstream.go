// Package client provides the upstream dispatcher and its per-host
// connection pools.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"

	"echo-from/internal/config"
	"echo-from/internal/metrics"
	"echo-from/internal/model"
)

// ErrUpstream matches every transport-level failure returned by Do.
var ErrUpstream = errors.New("upstream request failed")

// UpstreamError carries the cause of a failed upstream attempt.
type UpstreamError struct {
	Op     string // "connect" or "request"
	Target string
	Reason string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Target, e.Err)
}

// Unwrap exposes both ErrUpstream and the underlying cause.
func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	Pools      int   `json:"pools"`
	PoolsEver  int64 `json:"pools_created"`
	InFlight   int64 `json:"in_flight"`
	Dispatched int64 `json:"dispatched"`
}

// UpstreamClient sends composed forward requests over pooled transports.
type UpstreamClient struct {
	pool    *AgentPool
	logger  *slog.Logger
	metrics *metrics.Metrics

	inFlight   atomic.Int64
	dispatched atomic.Int64
}

// NewUpstreamClient creates an UpstreamClient whose pool follows [forward.agent].
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return NewUpstreamClientWithPool(NewAgentPool(AgentOptionsFromConfig(cfg.Forward.Agent)), logger, m)
}

// NewUpstreamClientWithPool creates an UpstreamClient on an existing pool.
func NewUpstreamClientWithPool(pool *AgentPool, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		pool:    pool,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do issues fr upstream and returns the response once headers arrive. The
// caller must close the response body; closing it before EOF discards the
// connection instead of returning it to the pool.
//
// fr.Ctx bounds the whole exchange: canceling it aborts the request in
// flight, including a body still being streamed.
func (c *UpstreamClient) Do(fr *model.ForwardRequest) (*model.UpstreamResponse, error) {
	target := fr.URL.Redacted()

	transport, err := c.pool.Get(fr.URL)
	if err != nil {
		return nil, &UpstreamError{Op: "connect", Target: target, Reason: "invalid_target", Err: err}
	}
	if c.metrics != nil {
		c.metrics.AgentPools.Set(float64(c.pool.Len()))
	}

	req, err := http.NewRequestWithContext(fr.Ctx, fr.Method, fr.URL.String(), fr.Body)
	if err != nil {
		return nil, &UpstreamError{Op: "request", Target: target, Reason: "invalid_request", Err: err}
	}
	req.Header = fr.Header
	if fr.Body == nil {
		req.ContentLength = 0
	} else {
		req.ContentLength = fr.ContentLength
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		// Keep net/http from adding its own User-Agent.
		req.Header.Set("User-Agent", "")
	}

	c.logger.Debug("upstream request",
		"method", fr.Method,
		"target", target,
	)

	c.inFlight.Inc()
	c.dispatched.Inc()
	start := time.Now()
	resp, err := transport.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(fr.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		c.inFlight.Dec()
		reason := failureReason(err)
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(reason).Inc()
		}
		return nil, &UpstreamError{Op: "request", Target: target, Reason: reason, Err: err}
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          &trackedBody{ReadCloser: resp.Body, done: c.inFlight.Dec},
	}, nil
}

// Stats returns a snapshot of pool and request counters.
func (c *UpstreamClient) Stats() Stats {
	return Stats{
		Pools:      c.pool.Len(),
		PoolsEver:  c.pool.Created(),
		InFlight:   c.inFlight.Load(),
		Dispatched: c.dispatched.Load(),
	}
}

// Close releases idle pooled connections.
func (c *UpstreamClient) Close() {
	c.pool.Close()
	if c.metrics != nil {
		c.metrics.AgentPools.Set(0)
	}
}

// trackedBody marks the request finished when the body is closed.
type trackedBody struct {
	io.ReadCloser
	once sync.Once
	done func() int64
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.done() })
	return err
}

// failureReason maps a transport error onto a bounded metrics label.
func failureReason(err error) string {
	var (
		dnsErr     *net.DNSError
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		recordErr  tls.RecordHeaderError
		netErr     net.Error
		alertError tls.AlertError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "reset"
	case errors.As(err, &certErr), errors.As(err, &unknownCA), errors.As(err, &hostErr),
		errors.As(err, &recordErr), errors.As(err, &alertError):
		return "tls"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "other"
	}
}
