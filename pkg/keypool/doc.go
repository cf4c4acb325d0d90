// Package keypool allocates credential keys to caller identities under
// provider-specific concurrency rules.
//
// Two pieces compose:
//
//   - ConcurrencyTracker: a global map from credential key to in-flight use
//     count, used to compute the set of keys saturated against a provider's
//     per-key ceiling.
//
//   - Allocator: picks a key for an identity, preferring "sticky" reuse of
//     the identity's cached key (up to the provider's max_usage_same_key),
//     otherwise fetching a uniformly random active key from the durable
//     store with saturated keys excluded.
//
// Randomized selection over round-robin is deliberate: it tolerates
// concurrent allocators without coordination and avoids herding on the
// "first" key after a reload.
//
// The tracker is a single in-process authority; cross-process deployments
// would need an external shared counter.
package keypool
