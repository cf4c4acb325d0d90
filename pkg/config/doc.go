// Package config provides configuration loading and validation for the Mino
// gateway.
//
// Configuration comes from two sources:
//
//   - The application config: a single YAML file describing the HTTP server,
//     database location, in-memory session housekeeping, spike-guard security
//     thresholds, proxy behavior, and telemetry. Loaded with LoadConfig, which
//     applies defaults, environment overrides (MINO_*), and validation.
//
//   - Provider configs: one YAML file per upstream provider in a directory.
//     Each describes a logical provider's endpoints, supported protocol
//     schemas, concurrency ceilings, cooldowns, and limits. Loaded into an
//     immutable Registry; individual providers can be hot-reloaded by name.
//
// Durations in YAML are strings using a compact grammar ("500ms", "10s",
// "5m", "1h", "2d", "1w") parsed by ParseDuration.
package config
