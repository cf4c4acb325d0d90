package config

import "time"

// Default values applied to unset fields.
const (
	DefaultListenAddress   = "127.0.0.1:30180"
	DefaultReadTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 10 * time.Minute
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultDatabasePath = "data/db/gateway.db"
	DefaultBusyTimeout  = 5 * time.Second

	DefaultProviderDir = "data/providers"

	DefaultSweepInterval        = 5 * time.Minute
	DefaultStaleThreshold       = 30 * time.Minute
	DefaultMaxModelFetchRetries = 3

	DefaultPerIdentityWindow = 10 * time.Second
	DefaultPerIdentityMax    = 30
	DefaultGlobalWindow      = 10 * time.Second
	DefaultGlobalMax         = 300
	DefaultSpikeDuration     = 5 * time.Minute
	DefaultVerifiedExemption = 30 * time.Minute

	DefaultVerifyTimeout = 10 * time.Second

	DefaultMaxAttempts     = 3
	DefaultUpstreamTimeout = 5 * time.Minute
	DefaultMaxBodyBytes    = 10 << 20 // 10 MiB

	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	DefaultMetricsNamespace = "mino"
)

// ApplyDefaults fills zero-valued fields with sensible defaults.
// It modifies the config in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = DefaultBusyTimeout
	}

	if cfg.Providers.Dir == "" {
		cfg.Providers.Dir = DefaultProviderDir
	}

	if cfg.Memory.SweepInterval == 0 {
		cfg.Memory.SweepInterval = DefaultSweepInterval
	}
	if cfg.Memory.StaleThreshold == 0 {
		cfg.Memory.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Memory.MaxModelFetchRetries == 0 {
		cfg.Memory.MaxModelFetchRetries = DefaultMaxModelFetchRetries
	}

	spike := &cfg.Security.RequestSpike
	if spike.PerIdentityWindow == 0 {
		spike.PerIdentityWindow = DefaultPerIdentityWindow
	}
	if spike.PerIdentityMax == 0 {
		spike.PerIdentityMax = DefaultPerIdentityMax
	}
	if spike.GlobalWindow == 0 {
		spike.GlobalWindow = DefaultGlobalWindow
	}
	if spike.GlobalMax == 0 {
		spike.GlobalMax = DefaultGlobalMax
	}
	if spike.SpikeDuration == 0 {
		spike.SpikeDuration = DefaultSpikeDuration
	}
	if spike.VerifiedExemption == 0 {
		spike.VerifiedExemption = DefaultVerifiedExemption
	}

	if cfg.Security.Verify.Timeout == 0 {
		cfg.Security.Verify.Timeout = DefaultVerifyTimeout
	}

	if cfg.Proxy.MaxAttempts == 0 {
		cfg.Proxy.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Proxy.UpstreamTimeout == 0 {
		cfg.Proxy.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.Proxy.MaxBodyBytes == 0 {
		cfg.Proxy.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
}
