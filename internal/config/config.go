// Package config loads gateway configuration from an optional YAML
// file overlaid with APIGATE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Storage     StorageConfig      `koanf:"storage"`
	RateLimit   RateLimitConfig    `koanf:"ratelimit"`
	Upstream    UpstreamConfig     `koanf:"upstream"`
	Audit       AuditConfig        `koanf:"audit"`
	Credentials []CredentialConfig `koanf:"credentials"`
	Services    []ServiceConfig    `koanf:"services"`
}

type ServerConfig struct {
	Port int `koanf:"port"`

	// RequestTimeout bounds the whole inbound request, upstream call
	// included. Duration string like "60s".
	RequestTimeout string `koanf:"request_timeout"`
}

type StorageConfig struct {
	// Driver selects the store backend: memory, sqlite, postgres.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type RateLimitConfig struct {
	// Window is the fixed-window duration, e.g. "1h".
	Window string `koanf:"window"`

	// Limit is the number of requests accepted per window per credential.
	Limit int `koanf:"limit"`
}

type UpstreamConfig struct {
	// Timeout bounds a single upstream call, e.g. "30s".
	Timeout string `koanf:"timeout"`

	// StripHeaders are removed from the inbound request before
	// forwarding, in addition to hop-by-hop headers.
	StripHeaders []string `koanf:"strip_headers"`

	// AddHeaders are set on every forwarded request.
	AddHeaders map[string]string `koanf:"add_headers"`

	// BlockPrivate rejects upstream connections to loopback and
	// private address ranges.
	BlockPrivate bool `koanf:"block_private"`
}

type AuditConfig struct {
	// BufferSize is the audit writer's queue depth. Records beyond it
	// are dropped with a diagnostic log line rather than blocking the
	// response path.
	BufferSize int `koanf:"buffer_size"`
}

// CredentialConfig declares an API key in the config file. Only used
// with the memory storage driver; SQL deployments manage keys through
// the administrative tooling.
type CredentialConfig struct {
	Key     string `koanf:"key"`
	Name    string `koanf:"name"`
	Revoked bool   `koanf:"revoked"`
}

// ServiceConfig declares a proxied upstream in the config file.
type ServiceConfig struct {
	Slug    string `koanf:"slug"`
	Name    string `koanf:"name"`
	BaseURL string `koanf:"base_url"`
}

// Load reads configuration from path (ignored when empty or missing)
// and then overlays APIGATE_ environment variables. Nested keys use a
// double underscore: APIGATE_SERVER__PORT=9000.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("APIGATE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "APIGATE_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":            8080,
		"server.request_timeout": "60s",
		"storage.driver":         "memory",
		"ratelimit.window":       "1h",
		"ratelimit.limit":        100,
		"upstream.timeout":       "30s",
		"audit.buffer_size":      256,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
	if !k.Exists("upstream.strip_headers") {
		k.Set("upstream.strip_headers", []string{"X-Api-Key", "Cookie"})
	}
}

func (c *Config) validate() error {
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("ratelimit.limit must be positive, got %d", c.RateLimit.Limit)
	}
	if _, err := time.ParseDuration(c.RateLimit.Window); err != nil {
		return fmt.Errorf("ratelimit.window: %w", err)
	}
	if _, err := time.ParseDuration(c.Upstream.Timeout); err != nil {
		return fmt.Errorf("upstream.timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Server.RequestTimeout); err != nil {
		return fmt.Errorf("server.request_timeout: %w", err)
	}
	return nil
}

// WindowDuration returns the parsed rate-limit window duration.
func (c *RateLimitConfig) WindowDuration() time.Duration {
	d, _ := time.ParseDuration(c.Window)
	return d
}

// TimeoutDuration returns the parsed upstream call timeout.
func (c *UpstreamConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// RequestTimeoutDuration returns the parsed inbound request timeout.
func (c *ServerConfig) RequestTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.RequestTimeout)
	return d
}
