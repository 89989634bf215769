// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/echo-from/config.toml",
	"configs/config.toml",
}

// reservedPaths are routes served by the gateway itself.
var reservedPaths = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Base     string `kong:"help='Default upstream base URL (overrides config).',env='FORWARD_BASE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Forward ForwardConfig `toml:"forward"`
	Routes  []RouteConfig `toml:"routes"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"` // 0 rounds requests_per_second up
}

// ForwardConfig is the registration-time configuration of the forwarding
// engine. It is read once and never mutated afterwards.
type ForwardConfig struct {
	// Base is the default target prefix used when a forward call names no target.
	Base  string      `toml:"base"`
	Agent AgentConfig `toml:"agent"`
}

// AgentConfig controls the pooled upstream transports.
type AgentConfig struct {
	// RejectUnauthorized defaults to true; set false to accept any TLS certificate.
	RejectUnauthorized           *bool `toml:"reject_unauthorized"`
	PoolSize                     int   `toml:"pool_size"`
	IdleTimeoutSeconds           int   `toml:"idle_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int   `toml:"response_header_timeout_seconds"` // 0 disables
}

// RouteConfig maps an inbound path prefix onto an upstream target.
type RouteConfig struct {
	Prefix              string            `toml:"prefix"`
	Target              string            `toml:"target"`
	StripPrefix         bool              `toml:"strip_prefix"`
	ContentType         string            `toml:"content_type"`
	Query               map[string]string `toml:"query"`
	DropResponseHeaders []string          `toml:"drop_response_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/echo-from/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Base != "" {
		c.Forward.Base = cli.Base
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Forward.Base != "" {
		if err := validateUpstreamURL("forward.base", c.Forward.Base); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Forward.Agent.PoolSize < 0 {
		return fmt.Errorf("forward.agent.pool_size must be non-negative; got %d", c.Forward.Agent.PoolSize)
	}
	if c.Forward.Agent.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("forward.agent.idle_timeout_seconds must be non-negative; got %d", c.Forward.Agent.IdleTimeoutSeconds)
	}
	if c.Forward.Agent.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("forward.agent.response_header_timeout_seconds must be non-negative; got %d", c.Forward.Agent.ResponseHeaderTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be non-negative; got %d", c.Server.RateLimit.Burst)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.reserved() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateRoutes() error {
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if r.Prefix != "/" && strings.HasSuffix(r.Prefix, "/") {
			return fmt.Errorf("routes[%d].prefix must not end with '/'; got %q", i, r.Prefix)
		}
		if seen[r.Prefix] {
			return fmt.Errorf("routes[%d].prefix %q is duplicated", i, r.Prefix)
		}
		seen[r.Prefix] = true
		for _, reserved := range reservedPaths {
			if r.Prefix == reserved || strings.HasPrefix(r.Prefix, reserved+"/") {
				return fmt.Errorf("routes[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, reserved)
			}
		}

		switch {
		case r.Target != "":
			if err := validateUpstreamURL(fmt.Sprintf("routes[%d].target", i), r.Target); err != nil {
				return err
			}
		case c.Forward.Base == "":
			return fmt.Errorf("routes[%d] has no target and forward.base is not set", i)
		}
	}
	return nil
}

func validateUpstreamURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host; got %q", field, raw)
	}
	return nil
}

func (c *Config) reserved() []string {
	out := append([]string(nil), reservedPaths...)
	for _, r := range c.Routes {
		out = append(out, r.Prefix)
	}
	return out
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Forward.Agent.RejectUnauthorized == nil {
		reject := true
		c.Forward.Agent.RejectUnauthorized = &reject
	}
	if c.Forward.Agent.PoolSize == 0 {
		c.Forward.Agent.PoolSize = 100
	}
	if c.Forward.Agent.IdleTimeoutSeconds == 0 {
		c.Forward.Agent.IdleTimeoutSeconds = 90
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// VerifyTLS reports whether upstream certificates must be verified.
func (a *AgentConfig) VerifyTLS() bool {
	return a.RejectUnauthorized == nil || *a.RejectUnauthorized
}

// IdleTimeout returns the pooled connection idle timeout.
func (a *AgentConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout returns how long to wait for upstream response
// headers; zero means no limit.
func (a *AgentConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(a.ResponseHeaderTimeoutSeconds) * time.Second
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
