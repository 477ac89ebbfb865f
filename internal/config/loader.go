package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

type fileConfig struct {
	Port           int    `toml:"port"`
	AuthPath       string `toml:"auth_path"`
	Headless       bool   `toml:"headless"`
	ChromiumPath   string `toml:"chromium_path"`
	MaxSessions    int    `toml:"max_sessions"`
	APIBaseURL     string `toml:"api_base_url"`
	WorkerAPIKey   string `toml:"worker_api_key"`
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`
	KafkaBrokers   string `toml:"kafka_brokers"`
	LifecycleTopic string `toml:"kafka_lifecycle_topic"`
}

// Load builds the configuration.
// Order: defaults -> TOML file (if path is set) -> env files -> environment -> legacy aliases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	LoadEnvFileCandidates()
	unsetBlankEnv()

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if v, ok := os.LookupEnv("WWEBJS_HEADLESS"); ok {
		cfg.Headless = parseHeadless(v)
	}
	applyLegacyAliases(cfg)

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config file: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("auth_path") {
		cfg.AuthPath = strings.TrimSpace(raw.AuthPath)
	}
	if meta.IsDefined("headless") {
		cfg.Headless = raw.Headless
	}
	if meta.IsDefined("chromium_path") {
		cfg.ChromiumPath = strings.TrimSpace(raw.ChromiumPath)
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("api_base_url") {
		cfg.APIBaseURL = strings.TrimSpace(raw.APIBaseURL)
	}
	if meta.IsDefined("worker_api_key") {
		cfg.WorkerAPIKey = strings.TrimSpace(raw.WorkerAPIKey)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = raw.LogFormat
	}
	if meta.IsDefined("kafka_brokers") {
		cfg.KafkaBrokers = strings.TrimSpace(raw.KafkaBrokers)
	}
	if meta.IsDefined("kafka_lifecycle_topic") {
		cfg.LifecycleTopic = strings.TrimSpace(raw.LifecycleTopic)
	}
	return nil
}

// applyLegacyAliases fills the webhook settings from the older variable names
// when the primary ones are unset.
func applyLegacyAliases(cfg *Config) {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = strings.TrimSpace(os.Getenv("MASSENDER_API_URL"))
	}
	if cfg.WorkerAPIKey == "" {
		cfg.WorkerAPIKey = strings.TrimSpace(os.Getenv("SESSION_KEY"))
	}
}

// unsetBlankEnv drops variables set to an empty string so they fall back to the
// defaults instead of failing numeric parsing or blanking a path.
func unsetBlankEnv() {
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) == "" {
			os.Unsetenv(k)
		}
	}
}

// parseHeadless treats every value except "false" as headless.
func parseHeadless(v string) bool {
	return strings.TrimSpace(v) != "false"
}
