// Package config provides configuration types and loading for waworker.
package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Defaults.
const (
	DefaultPort           = 5005
	DefaultAuthPath       = "./.wwebjs_auth"
	DefaultChromiumPath   = "/usr/bin/chromium-browser"
	DefaultMaxSessions    = 5
	DefaultLifecycleTopic = "waworker.sessions"
)

// envKeys lists every variable read through envconfig. A blank value counts as unset.
var envKeys = []string{
	"PORT", "WWEBJS_AUTH_PATH", "CHROMIUM_PATH", "MAX_WORKER_SESSIONS",
	"API_BASE_URL", "WORKER_API_KEY", "LOG_LEVEL", "LOG_FORMAT",
	"KAFKA_BROKERS", "KAFKA_LIFECYCLE_TOPIC",
}

// Config is the root configuration struct.
type Config struct {
	Port         int    `envconfig:"PORT"`
	AuthPath     string `envconfig:"WWEBJS_AUTH_PATH"`
	Headless     bool   `envconfig:"WWEBJS_HEADLESS" ignored:"true"`
	ChromiumPath string `envconfig:"CHROMIUM_PATH"`
	MaxSessions  int    `envconfig:"MAX_WORKER_SESSIONS"`

	// Orchestrator webhook. Forwarding is disabled unless both are set.
	APIBaseURL   string `envconfig:"API_BASE_URL"`
	WorkerAPIKey string `envconfig:"WORKER_API_KEY"`

	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`

	// Lifecycle event stream. Disabled when KafkaBrokers is empty.
	KafkaBrokers   string `envconfig:"KAFKA_BROKERS"`
	LifecycleTopic string `envconfig:"KAFKA_LIFECYCLE_TOPIC"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		AuthPath:       DefaultAuthPath,
		Headless:       true,
		ChromiumPath:   DefaultChromiumPath,
		MaxSessions:    DefaultMaxSessions,
		LogLevel:       "info",
		LogFormat:      "text",
		LifecycleTopic: DefaultLifecycleTopic,
	}
}

// WebhookEnabled reports whether inbound messages are forwarded to the orchestrator.
func (c *Config) WebhookEnabled() bool {
	return strings.TrimSpace(c.APIBaseURL) != "" && strings.TrimSpace(c.WorkerAPIKey) != ""
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_WORKER_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if strings.TrimSpace(c.AuthPath) == "" {
		return fmt.Errorf("WWEBJS_AUTH_PATH must not be empty")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat)
	}
	return nil
}
