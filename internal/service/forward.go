// Package service composes outbound requests from inbound ones and hands
// them to the upstream dispatcher.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"echo-from/internal/client"
	"echo-from/internal/config"
	"echo-from/internal/httpheader"
	"echo-from/internal/model"
)

// ForwardService turns an inbound request plus per-call options into a
// ForwardRequest and dispatches it.
type ForwardService struct {
	client *client.UpstreamClient
	logger *slog.Logger
	base   *url.URL
}

// NewForwardService creates a ForwardService. forward.base is optional; calls
// that name no target fail with ErrMissingTarget when it is unset.
func NewForwardService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	s := &ForwardService{
		client: c,
		logger: logger.With("component", "forward_service"),
	}
	if cfg.Forward.Base != "" {
		u, err := url.Parse(cfg.Forward.Base)
		if err != nil {
			return nil, fmt.Errorf("parse forward.base: %w", err)
		}
		if err := checkUpstreamURL(u); err != nil {
			return nil, fmt.Errorf("forward.base: %w", err)
		}
		s.base = u
	}
	return s, nil
}

// Base returns the configured base URL, or "" when none is set.
func (s *ForwardService) Base() string {
	if s.base == nil {
		return ""
	}
	return s.base.String()
}

// Prepare validates the call and composes the outbound request. It performs
// no I/O; the inbound body is not read.
func (s *ForwardService) Prepare(in *http.Request, target string, opts *model.Options) (*model.ForwardRequest, error) {
	if opts == nil {
		opts = &model.Options{}
	}

	u, err := resolveTarget(target, s.base, in.URL.EscapedPath())
	if err != nil {
		return nil, err
	}
	u.RawQuery = resolveQuery(opts.QueryString, u.RawQuery, in.URL.RawQuery)
	u.ForceQuery = false

	body, err := resolveBody(opts.Body, in)
	if err != nil {
		return nil, err
	}

	header := httpheader.Filter(in.Header)
	header.Del("Content-Length")
	contentType := body.contentType
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	} else {
		header.Del("Content-Type")
	}

	return &model.ForwardRequest{
		Ctx:           in.Context(),
		Method:        in.Method,
		URL:           u,
		Header:        header,
		Body:          body.reader,
		ContentLength: body.length,
	}, nil
}

// Dispatch sends a prepared request upstream. The caller owns the response body.
func (s *ForwardService) Dispatch(fr *model.ForwardRequest) (*model.UpstreamResponse, error) {
	s.logger.Debug("forwarding request",
		"method", fr.Method,
		"target", fr.URL.Redacted(),
	)

	resp, err := s.client.Do(fr)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// Forward prepares and dispatches in one step.
func (s *ForwardService) Forward(in *http.Request, target string, opts *model.Options) (*model.UpstreamResponse, error) {
	fr, err := s.Prepare(in, target, opts)
	if err != nil {
		return nil, err
	}
	return s.Dispatch(fr)
}
