// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/httpcache-invalidator/config.toml",
	"configs/config.toml",
}

// Proxy kinds accepted in proxy.kind.
const (
	ProxyKindVarnish = "varnish"
	ProxyKindNginx   = "nginx"
	ProxyKindSymfony = "symfony"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Servers  []string `kong:"help='Caching proxy servers as host[:port] (overrides config).',env='PROXY_SERVERS',sep=','"`
	BaseURL  string   `kong:"help='Base URL for relative invalidation paths (overrides config).',env='PROXY_BASE_URL'"`
	LogLevel string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Transport TransportConfig `toml:"transport"`
	Flush     FlushConfig     `toml:"flush"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

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
}

// ProxyConfig describes the caching proxies that receive invalidations.
type ProxyConfig struct {
	Kind          string   `toml:"kind"`
	Servers       []string `toml:"servers"`
	BaseURL       string   `toml:"base_url"`
	PurgeLocation string   `toml:"purge_location"` // nginx only
}

// TransportConfig holds settings for the outbound HTTP transport.
type TransportConfig struct {
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	IdleConnections   int     `toml:"idle_connections"`
	Concurrency       int     `toml:"concurrency"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // 0 disables outbound rate limiting
}

// FlushConfig controls automatic flushing of the queue.
type FlushConfig struct {
	IntervalSeconds int `toml:"interval_seconds"` // 0 disables the auto-flush loop
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
// /etc/httpcache-invalidator/config.toml then configs/config.toml.
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
	if len(cli.Servers) > 0 {
		c.Proxy.Servers = cli.Servers
	}
	if cli.BaseURL != "" {
		c.Proxy.BaseURL = cli.BaseURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Proxy: at least one server, known kind, parseable base URL.
	if len(c.Proxy.Servers) == 0 {
		return fmt.Errorf("proxy.servers must list at least one caching proxy")
	}
	for i, s := range c.Proxy.Servers {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("proxy.servers[%d] is empty", i)
		}
	}
	switch strings.ToLower(c.Proxy.Kind) {
	case ProxyKindVarnish, ProxyKindNginx, ProxyKindSymfony, "":
		// valid
	default:
		return fmt.Errorf("proxy.kind must be one of: varnish, nginx, symfony; got %q", c.Proxy.Kind)
	}
	if c.Proxy.BaseURL != "" {
		if _, err := url.Parse(c.Proxy.BaseURL); err != nil {
			return fmt.Errorf("proxy.base_url is not a valid URL: %w", err)
		}
	}
	if c.Proxy.PurgeLocation != "" && c.Proxy.PurgeLocation[0] != '/' {
		return fmt.Errorf("proxy.purge_location must start with '/'; got %q", c.Proxy.PurgeLocation)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Transport.TimeoutSeconds < 0 {
		return fmt.Errorf("transport.timeout_seconds must be non-negative; got %d", c.Transport.TimeoutSeconds)
	}
	if c.Transport.IdleConnections < 0 {
		return fmt.Errorf("transport.idle_connections must be non-negative; got %d", c.Transport.IdleConnections)
	}
	if c.Transport.Concurrency < 0 {
		return fmt.Errorf("transport.concurrency must be non-negative; got %d", c.Transport.Concurrency)
	}
	if c.Transport.RequestsPerSecond < 0 {
		return fmt.Errorf("transport.requests_per_second must be non-negative; got %v", c.Transport.RequestsPerSecond)
	}
	if c.Flush.IntervalSeconds < 0 {
		return fmt.Errorf("flush.interval_seconds must be non-negative; got %d", c.Flush.IntervalSeconds)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/invalidate", "/flush", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	c.Proxy.Kind = strings.ToLower(c.Proxy.Kind)
	if c.Proxy.Kind == "" {
		c.Proxy.Kind = ProxyKindVarnish
	}
	c.Transport.SetDefaults()
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

// SetDefaults fills zero-valued transport fields. It is exported so that a
// transport built without a loaded config still gets usable values.
func (t *TransportConfig) SetDefaults() {
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = 30
	}
	if t.IdleConnections == 0 {
		t.IdleConnections = 100
	}
	if t.Concurrency == 0 {
		t.Concurrency = 16
	}
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
