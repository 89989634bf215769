// Package model defines shared types for the forwarding engine.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
)

// ForwardRequest is the fully composed outbound request for one forward call.
// Body is nil when no payload is sent; ContentLength is -1 when unknown.
type ForwardRequest struct {
	Ctx           context.Context
	Method        string
	URL           *url.URL
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// UpstreamResponse is the upstream reply handed to the relay or to an
// OnResponse hook. The relay closes Body once the call completes.
type UpstreamResponse struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// ResponseHook takes over completing the reply from the upstream response.
type ResponseHook func(c echo.Context, res *UpstreamResponse) error

// HeaderRewriter returns the header set that replaces the upstream headers
// in the reply.
type HeaderRewriter func(res *UpstreamResponse) http.Header

// Options are the per-call forwarding overrides. The zero value forwards the
// inbound request unchanged.
type Options struct {
	// Body replaces the outbound payload. Strings and byte slices are sent
	// verbatim, other values are JSON-encoded. io.Reader values are rejected.
	Body any

	// QueryString, when non-nil, is the only query sent upstream.
	QueryString url.Values

	// ContentType replaces the outbound Content-Type header.
	ContentType string

	OnResponse     ResponseHook
	RewriteHeaders HeaderRewriter
}
