package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the application configuration from a YAML file, applies
// defaults, applies MINO_* environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a fully defaulted configuration without reading any
// file. Useful for tests and for running without a config file.
func DefaultConfig() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// applyEnvOverrides applies environment variable overrides using the
// MINO_SECTION_FIELD convention. Environment variables always take precedence
// over file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("MINO_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("MINO_SERVER_TRUST_PROXY_HEADERS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Server.TrustProxyHeaders = b
		}
	}
	if val := os.Getenv("MINO_DATABASE_PATH"); val != "" {
		cfg.Database.Path = val
	}
	if val := os.Getenv("MINO_PROVIDERS_DIR"); val != "" {
		cfg.Providers.Dir = val
	}
	if val := os.Getenv("MINO_PROXY_MAX_ATTEMPTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.MaxAttempts = i
		}
	}
	if val := os.Getenv("MINO_PROXY_UPSTREAM_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Proxy.UpstreamTimeout = d
		}
	}
	if val := os.Getenv("MINO_LOG_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("MINO_LOG_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	if val := os.Getenv("MINO_VERIFY_SECRET"); val != "" {
		cfg.Security.Verify.Secret = val
	}
}
