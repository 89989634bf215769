package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"echo-from/internal/httpheader"
	"echo-from/internal/model"
)

// ErrRelayAborted is returned when the upstream body could not be fully
// written to the client. The status line has already been sent by then.
var ErrRelayAborted = errors.New("relay aborted")

// relayState tracks one forward call from dispatch to completion.
type relayState int

const (
	statePending relayState = iota
	stateRelaying
	stateCompleted
	stateFailed
	stateRejected // validation failed before dispatch
)

func (s relayState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateRelaying:
		return "relaying"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

const copyBufferSize = 32 * 1024

// Relay writes an upstream response to the inbound reply.
type Relay struct {
	logger *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(logger *slog.Logger) *Relay {
	return &Relay{logger: logger.With("component", "relay")}
}

// Relay completes the reply for c from res and always closes res.Body.
//
// With an OnResponse hook the hook owns the reply entirely. Otherwise the
// status is copied, the headers are either the RewriteHeaders result or the
// filtered upstream headers, and the body is streamed through.
func (r *Relay) Relay(c echo.Context, res *model.UpstreamResponse, opts *model.Options) error {
	defer func() { _ = res.Body.Close() }()

	if opts != nil && opts.OnResponse != nil {
		return opts.OnResponse(c, res)
	}

	var header http.Header
	if opts != nil && opts.RewriteHeaders != nil {
		header = opts.RewriteHeaders(res)
	} else {
		header = httpheader.Filter(res.Header)
	}

	w := c.Response()
	dst := w.Header()
	for key, vals := range header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	w.WriteHeader(res.StatusCode)

	n, err := r.copyBody(w, res.Body, res.ContentLength < 0)
	if err != nil {
		r.logger.Debug("body copy interrupted",
			"bytes", n,
			"err", err,
		)
		return fmt.Errorf("%w after %d bytes: %w", ErrRelayAborted, n, err)
	}
	return nil
}

// copyBody streams src into w. Unknown-length bodies are flushed after every
// chunk so streamed responses reach the client as they are produced.
func (r *Relay) copyBody(w *echo.Response, src io.Reader, flush bool) (int64, error) {
	if !flush {
		return io.Copy(w, src)
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
