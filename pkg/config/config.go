package config

import "time"

// Config is the root application configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
	Security  SecurityConfig  `yaml:"security"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	// ListenAddress is the host:port the server binds to.
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading an entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response. Streamed
	// completions can run long, so this defaults generously.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustProxyHeaders enables reading cf-connecting-ip / cf-ipcountry for
	// client address resolution. When false (development), requests resolve
	// to 127.0.0.1 / AQ.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// DatabaseConfig configures the durable sqlite store.
type DatabaseConfig struct {
	// Path is the sqlite database file path.
	Path string `yaml:"path"`

	// BusyTimeout is how long to wait for locks before failing.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ProvidersConfig configures provider definition loading.
type ProvidersConfig struct {
	// Dir is the directory containing one YAML file per provider.
	Dir string `yaml:"dir"`

	// WatchReload enables fsnotify-based hot reload of provider files.
	WatchReload bool `yaml:"watch_reload"`
}

// MemoryConfig configures in-memory session housekeeping.
type MemoryConfig struct {
	// SweepInterval is how often idle sessions are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaleThreshold is how long a session may sit idle (with zero active
	// requests) before the sweep removes it.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// ModelRefreshSchedule is a cron expression for refreshing cached
	// provider model lists. Empty disables scheduled refresh.
	ModelRefreshSchedule string `yaml:"model_refresh_schedule"`

	// KeyPruneSchedule is a cron expression for pruning disabled keys from
	// the store. Empty disables pruning.
	KeyPruneSchedule string `yaml:"key_prune_schedule"`

	// MaxModelFetchRetries bounds per-provider key attempts during model
	// list warm-up.
	MaxModelFetchRetries int `yaml:"max_model_fetch_retries"`
}

// SecurityConfig configures traffic protection.
type SecurityConfig struct {
	RequestSpike SpikeConfig  `yaml:"request_spike"`
	Verify       VerifyConfig `yaml:"verify"`

	// BlockedCIDRDir is a directory of *.txt files listing blocked network
	// ranges, one CIDR per line. Empty disables CIDR blocking.
	BlockedCIDRDir string `yaml:"blocked_cidr_dir"`
}

// SpikeConfig configures the sliding-window spike guard.
type SpikeConfig struct {
	// PerIdentityWindow / PerIdentityMax: a single identity exceeding
	// PerIdentityMax requests within PerIdentityWindow trips spike mode.
	PerIdentityWindow time.Duration `yaml:"per_identity_window"`
	PerIdentityMax    int           `yaml:"per_identity_max"`

	// GlobalWindow / GlobalMax: same, across all identities.
	GlobalWindow time.Duration `yaml:"global_window"`
	GlobalMax    int           `yaml:"global_max"`

	// SpikeDuration is how long spike mode stays active once tripped.
	SpikeDuration time.Duration `yaml:"spike_duration"`

	// VerifiedExemption is how long a verified address bypasses spike
	// rejection.
	VerifiedExemption time.Duration `yaml:"verified_exemption"`
}

// VerifyConfig configures the out-of-band verification side-channel.
type VerifyConfig struct {
	// SiteverifyURL is the challenge verification endpoint of the external
	// verification service. Empty disables the side-channel.
	SiteverifyURL string `yaml:"siteverify_url"`

	// Secret is the server-side secret sent with each verification.
	Secret string `yaml:"secret"`

	// Timeout bounds the verification HTTP call.
	Timeout time.Duration `yaml:"timeout"`
}

// ProxyConfig configures proxied upstream calls.
type ProxyConfig struct {
	// MaxAttempts bounds the per-request retry loop across credential keys.
	MaxAttempts int `yaml:"max_attempts"`

	// UpstreamTimeout bounds a single upstream call, header to first byte.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// MaxBodyBytes caps the buffered request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the output format ("json", "text", "console").
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures prometheus metrics.
type MetricsConfig struct {
	// Enabled controls whether /metrics is served.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	Namespace string `yaml:"namespace"`
}
