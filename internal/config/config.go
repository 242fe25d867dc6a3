// Package config loads client configuration from an optional YAML file
// and TRAE_-prefixed environment variables, env taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultBaseURL is the production API gateway.
	DefaultBaseURL = "https://api.trae.com.cn"

	// ClientVersion is the IDE build the client identifies as.
	ClientVersion = "3.3.11"
)

// Config is immutable for the lifetime of a client instance.
type Config struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`

	Timeout          time.Duration `koanf:"timeout"`
	MaxRetries       int           `koanf:"max_retries"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	BackoffFactor    float64       `koanf:"backoff_factor"`
	RefreshThreshold time.Duration `koanf:"refresh_threshold"`
	PoolSize         int           `koanf:"pool_size"`
	MaxHistory       int           `koanf:"max_history"`
	EnableLogging    bool          `koanf:"enable_logging"`

	// HistoryPath, when set, mirrors request records into a sqlite
	// database at this path.
	HistoryPath string `koanf:"history_path"`

	// DebugAddr, when set, serves tracer history and report on this
	// address (e.g. "127.0.0.1:7833").
	DebugAddr string `koanf:"debug_addr"`
}

// Default returns the baseline configuration before file/env overlays.
func Default() Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		Timeout:          60 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		BackoffFactor:    2.0,
		RefreshThreshold: 10 * time.Minute,
		PoolSize:         5,
		EnableLogging:    true,
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// TRAE_-prefixed environment variables (highest precedence).
// TRAE_MAX_RETRIES=5 maps to max_retries, and so on.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("TRAE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TRAE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Fill in defaults for anything neither the file nor env provided.
	def := Default()
	defaults := map[string]any{
		"base_url":          def.BaseURL,
		"timeout":           def.Timeout.String(),
		"max_retries":       def.MaxRetries,
		"retry_delay":       def.RetryDelay.String(),
		"backoff_factor":    def.BackoffFactor,
		"refresh_threshold": def.RefreshThreshold.String(),
		"pool_size":         def.PoolSize,
		"enable_logging":    def.EnableLogging,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the transport cannot work with.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1, got %g", c.BackoffFactor)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be > 0, got %d", c.PoolSize)
	}
	return nil
}

// UserAgent returns the User-Agent header value sent on every call.
func (c *Config) UserAgent() string {
	return "Trae-CN/" + ClientVersion
}
