package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"echo-from/internal/config"
)

// AgentOptions configure every transport the pool creates.
type AgentOptions struct {
	VerifyTLS             bool
	PoolSize              int
	IdleTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

// AgentOptionsFromConfig maps the [forward.agent] section onto AgentOptions.
func AgentOptionsFromConfig(a config.AgentConfig) AgentOptions {
	return AgentOptions{
		VerifyTLS:             a.VerifyTLS(),
		PoolSize:              a.PoolSize,
		IdleTimeout:           a.IdleTimeout(),
		ResponseHeaderTimeout: a.ResponseHeaderTimeout(),
	}
}

// AgentPool holds one pooled transport per scheme+host. Transports are
// created on first use and live until Close.
type AgentPool struct {
	opts AgentOptions

	mu     sync.Mutex
	agents map[string]*http.Transport

	created atomic.Int64
}

// NewAgentPool creates an empty pool.
func NewAgentPool(opts AgentOptions) *AgentPool {
	return &AgentPool{
		opts:   opts,
		agents: make(map[string]*http.Transport),
	}
}

// Get returns the transport for u's scheme and host, creating it if needed.
func (p *AgentPool) Get(u *url.URL) (*http.Transport, error) {
	key, err := agentKey(u)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.agents[key]; ok {
		return t, nil
	}
	t := p.newTransport(strings.ToLower(u.Scheme))
	p.agents[key] = t
	p.created.Inc()
	return t, nil
}

// Len returns the number of live transports.
func (p *AgentPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Created returns how many transports were ever created.
func (p *AgentPool) Created() int64 {
	return p.created.Load()
}

// Close drops every transport and closes their idle connections. Requests in
// flight keep their connections until they finish.
func (p *AgentPool) Close() {
	p.mu.Lock()
	agents := p.agents
	p.agents = make(map[string]*http.Transport)
	p.mu.Unlock()

	for _, t := range agents {
		t.CloseIdleConnections()
	}
}

func (p *AgentPool) newTransport(scheme string) *http.Transport {
	t := &http.Transport{
		MaxIdleConns:          p.opts.PoolSize,
		MaxIdleConnsPerHost:   p.opts.PoolSize,
		MaxConnsPerHost:       p.opts.PoolSize,
		IdleConnTimeout:       p.opts.IdleTimeout,
		ResponseHeaderTimeout: p.opts.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		// Bodies are relayed as-is; transparent gzip would rewrite them.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if scheme == "https" {
		t.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: !p.opts.VerifyTLS, //nolint:gosec // reject_unauthorized = false
			MinVersion:         tls.VersionTLS12,
		}
		t.ForceAttemptHTTP2 = true
	}
	return t
}

func agentKey(u *url.URL) (string, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("target %q has no host", u.String())
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}
