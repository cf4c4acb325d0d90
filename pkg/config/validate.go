package config

import (
	"fmt"
	"net"
)

// validLogLevels and validLogFormats enumerate accepted telemetry settings.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true, "console": true}
)

// Validate checks the application configuration for invalid or inconsistent
// values. It returns the first error encountered.
func Validate(cfg *Config) error {
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address %q: %w", cfg.Server.ListenAddress, err)
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}

	spike := cfg.Security.RequestSpike
	if spike.PerIdentityMax < 1 {
		return fmt.Errorf("security.request_spike.per_identity_max must be >= 1, got %d", spike.PerIdentityMax)
	}
	if spike.GlobalMax < 1 {
		return fmt.Errorf("security.request_spike.global_max must be >= 1, got %d", spike.GlobalMax)
	}
	if spike.PerIdentityWindow <= 0 || spike.GlobalWindow <= 0 {
		return fmt.Errorf("security.request_spike windows must be positive")
	}
	if spike.SpikeDuration <= 0 {
		return fmt.Errorf("security.request_spike.spike_duration must be positive")
	}

	if cfg.Proxy.MaxAttempts < 1 {
		return fmt.Errorf("proxy.max_attempts must be >= 1, got %d", cfg.Proxy.MaxAttempts)
	}
	if cfg.Proxy.MaxBodyBytes < 1 {
		return fmt.Errorf("proxy.max_body_bytes must be >= 1, got %d", cfg.Proxy.MaxBodyBytes)
	}

	if !validLogLevels[cfg.Telemetry.Logging.Level] {
		return fmt.Errorf("telemetry.logging.level %q: must be one of debug, info, warn, error", cfg.Telemetry.Logging.Level)
	}
	if !validLogFormats[cfg.Telemetry.Logging.Format] {
		return fmt.Errorf("telemetry.logging.format %q: must be one of json, text, console", cfg.Telemetry.Logging.Format)
	}

	return nil
}
