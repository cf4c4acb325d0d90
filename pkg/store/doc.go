// Package store provides durable storage for credential keys, users, and
// usage counters.
//
// The proxy treats the store as the single authority for credential key
// state: the in-memory allocator only caches recently fetched copies, and
// every state transition (disable, ratelimit) writes through here.
//
// Two backends are provided:
//
//   - SQLite (production): a single WAL-mode database file with prepared
//     statements on the allocation hot path.
//   - Memory (tests and tooling): a map-backed implementation with the same
//     semantics, including uniform-random key selection.
//
// All counter updates are fire-and-forget from the proxy's perspective; only
// GetRandomActiveKey sits on a request's critical path.
package store
