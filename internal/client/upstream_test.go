package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"

	"echo-from/internal/config"
	"echo-from/internal/metrics"
	"echo-from/internal/model"
)

func newTestClient(t *testing.T, verifyTLS bool) *UpstreamClient {
	t.Helper()
	reject := verifyTLS
	cfg := &config.Config{
		Forward: config.ForwardConfig{
			Agent: config.AgentConfig{
				RejectUnauthorized: &reject,
				PoolSize:           10,
				IdleTimeoutSeconds: 30,
			},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(cfg, logger, metrics.New())
	t.Cleanup(c.Close)
	return c
}

func forwardRequest(t *testing.T, ctx context.Context, method, raw string, body io.Reader, length int64) *model.ForwardRequest {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return &model.ForwardRequest{
		Ctx:           ctx,
		Method:        method,
		URL:           u,
		Header:        http.Header{},
		Body:          body,
		ContentLength: length,
	}
}

func TestUpstreamClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/test" {
			t.Errorf("path = %q, want /test", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, true)

	resp, err := c.Do(forwardRequest(t, context.Background(), http.MethodGet, srv.URL+"/test", nil, 0))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_Do_SendsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.ContentLength != 11 {
			t.Errorf("ContentLength = %d, want 11", r.ContentLength)
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			t.Errorf("User-Agent = %q, want none", ua)
		}
		if v := r.Header.Get("X-Trace"); v != "abc" {
			t.Errorf("X-Trace = %q, want abc", v)
		}
		data, _ := io.ReadAll(r.Body)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	c := newTestClient(t, true)
	fr := forwardRequest(t, context.Background(), http.MethodPost, srv.URL, strings.NewReader("hello world"), 11)
	fr.Header.Set("X-Trace", "abc")

	resp, err := c.Do(fr)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(resp.Body)
	if string(data) != "hello world" {
		t.Errorf("echoed body = %q, want %q", data, "hello world")
	}
}

func TestUpstreamClient_Do_NoTransparentDecompression(t *testing.T) {
	gz := []byte{0x1f, 0x8b, 0x08, 0x00}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "" {
			t.Errorf("Accept-Encoding = %q, want none injected", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(gz)
	}))
	defer srv.Close()

	c := newTestClient(t, true)
	resp, err := c.Do(forwardRequest(t, context.Background(), http.MethodGet, srv.URL, nil, 0))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(data, gz) {
		t.Errorf("body = %v, want raw bytes %v", data, gz)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Error("Content-Encoding should be preserved")
	}
}

func TestUpstreamClient_Do_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusResetContent)
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	t.Run("rejects self-signed by default", func(t *testing.T) {
		c := newTestClient(t, true)
		_, err := c.Do(forwardRequest(t, context.Background(), http.MethodGet, srv.URL, nil, 0))
		if err == nil {
			t.Fatal("Do() expected certificate error, got nil")
		}
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("error = %T, want *UpstreamError", err)
		}
		if ue.Reason != "tls" {
			t.Errorf("Reason = %q, want tls", ue.Reason)
		}
	})

	t.Run("accepts when reject_unauthorized is false", func(t *testing.T) {
		c := newTestClient(t, false)
		resp, err := c.Do(forwardRequest(t, context.Background(), http.MethodGet, srv.URL, nil, 0))
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusResetContent {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusResetContent)
		}
	})
}

func TestUpstreamClient_Do_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := newTestClient(t, true)
	_, err = c.Do(forwardRequest(t, context.Background(), http.MethodGet, "http://"+addr+"/", nil, 0))
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("errors.Is(err, ErrUpstream) = false for %v", err)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Errorf("errors.Is(err, ECONNREFUSED) = false for %v", err)
	}
	if got := c.Stats().InFlight; got != 0 {
		t.Errorf("InFlight = %d after failure, want 0", got)
	}
}

func TestUpstreamClient_Do_CanceledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Do(forwardRequest(t, ctx, http.MethodGet, srv.URL, nil, 0))
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestUpstreamClient_Do_UnsupportedScheme(t *testing.T) {
	c := newTestClient(t, true)
	_, err := c.Do(forwardRequest(t, context.Background(), http.MethodGet, "ftp://example.com/file", nil, 0))
	if err == nil {
		t.Fatal("Do() expected error for ftp scheme, got nil")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Op != "connect" {
		t.Errorf("error = %v, want connect UpstreamError", err)
	}
}

func TestUpstreamClient_Stats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, true)

	resp, err := c.Do(forwardRequest(t, context.Background(), http.MethodGet, srv.URL, nil, 0))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := c.Stats().InFlight; got != 1 {
		t.Errorf("InFlight = %d before Close, want 1", got)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	_ = resp.Body.Close() // second close must not double-count

	s := c.Stats()
	if s.InFlight != 0 {
		t.Errorf("InFlight = %d after Close, want 0", s.InFlight)
	}
	if s.Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1", s.Dispatched)
	}
	if s.Pools != 1 {
		t.Errorf("Pools = %d, want 1", s.Pools)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), "canceled"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, "dns"},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, "refused"},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, "reset"},
		{"other", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureReason(tt.err); got != tt.want {
				t.Errorf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
