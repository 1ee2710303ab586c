// Package config handles CLI, TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// ServiceWorkerPath is the reserved path answered by the proxy itself.
const ServiceWorkerPath = "/codiner-sw.js"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/codiner-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file (optional).',env='CONFIG_PATH'"`
	Target       string `kong:"short='t',help='Upstream origin, e.g. http://localhost:5173 (overrides config).',env='CODINER_PROXY_TARGET'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	ResourcesDir string `kong:"help='Directory holding the injected scripts (overrides config).',env='CODINER_RESOURCES_DIR'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat    string `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Resources ResourcesConfig `toml:"resources"`
	Inject    InjectConfig    `toml:"inject"`
	Log       LogConfig       `toml:"log"`
	Admin     AdminConfig     `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds listener settings.
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

// UpstreamConfig holds the upstream origin and connection settings.
type UpstreamConfig struct {
	Target             string `toml:"target"`
	TimeoutSeconds     int    `toml:"timeout_seconds"` // 0 disables the per-request timeout
	IdleConnections    int    `toml:"idle_connections"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// ResourcesConfig locates the script payloads injected into pages.
type ResourcesConfig struct {
	Dir string `toml:"dir"`
}

// InjectConfig tunes HTML rewriting.
type InjectConfig struct {
	// MaxBodyBytes caps how much of an HTML body is buffered for rewriting.
	// Larger documents pass through untouched. 0 means unlimited.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig controls the health, status and metrics endpoints.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Prefix  string `toml:"prefix"`
}

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/codiner-proxy/config.toml then configs/config.toml; finding none is
// not an error since the owning process usually passes everything as flags.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Target != "" {
		c.Upstream.Target = cli.Target
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.ResourcesDir != "" {
		c.Resources.Dir = cli.ResourcesDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

func (c *Config) validate() error {
	// Upstream target: required, absolute http(s).
	if c.Upstream.Target == "" {
		return fmt.Errorf("upstream.target is required")
	}
	u, err := url.Parse(c.Upstream.Target)
	if err != nil {
		return fmt.Errorf("upstream.target is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.target must be an absolute http/https URL; got %q", c.Upstream.Target)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.target has no host; got %q", c.Upstream.Target)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Inject.MaxBodyBytes < 0 {
		return fmt.Errorf("inject.max_body_bytes must be non-negative; got %d", c.Inject.MaxBodyBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Admin prefix validation (only when the admin surface is enabled).
	if c.Admin.Enabled && c.Admin.Prefix != "" {
		p := c.Admin.Prefix
		if p[0] != '/' {
			return fmt.Errorf("admin.prefix must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("admin.prefix %q would shadow every upstream route", p)
		}
		if p == ServiceWorkerPath || strings.HasPrefix(ServiceWorkerPath, strings.TrimSuffix(p, "/")+"/") {
			return fmt.Errorf("admin.prefix %q conflicts with reserved route %q", p, ServiceWorkerPath)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, IdleConnections), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Resources.Dir == "" {
		c.Resources.Dir = executableDir()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Admin.Prefix = strings.TrimSuffix(c.Admin.Prefix, "/")
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = "/__codiner"
	}
}

// executableDir returns the directory of the running binary, falling back to
// the working directory when it cannot be determined.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
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
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
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
