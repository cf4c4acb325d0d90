package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/session"
	"mino-hq/mino/pkg/store"
	"mino-hq/mino/pkg/telemetry/logging"
)

// ErrNoKeyAvailable is returned when the pool has no allocatable key: the
// store returned nothing and no sticky key qualifies.
var ErrNoKeyAvailable = errors.New("no key available")

// allocateRecheckBudget bounds the release-and-retry loop that resolves
// racing allocations overshooting a key's concurrency ceiling.
const allocateRecheckBudget = 3

// Allocated is a credential handed out by the allocator. It is a copy; the
// durable store stays authoritative for the key's lifecycle state.
type Allocated struct {
	Secret          string
	EndpointVariant string

	// Sticky reports whether this came from the identity's cached
	// allocation rather than a fresh store fetch.
	Sticky bool
}

// Allocator owns the allocate/release lifecycle of credential keys.
type Allocator struct {
	store    store.Store
	sessions *session.Tracker
	tracker  *ConcurrencyTracker
	logger   *slog.Logger
}

// NewAllocator wires an allocator over the given store and trackers.
func NewAllocator(st store.Store, sessions *session.Tracker, tracker *ConcurrencyTracker, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		store:    st,
		sessions: sessions,
		tracker:  tracker,
		logger:   logger.With("component", "keypool"),
	}
}

// Tracker exposes the concurrency tracker for release paths and tests.
func (a *Allocator) Tracker() *ConcurrencyTracker {
	return a.tracker
}

// Allocate picks a key for the identity under the provider's rules.
//
// The sticky path: when the provider allows reuse (max_usage_same_key > 1)
// and the identity already holds an allocation for this pool with usage
// below the limit, that key is returned unchanged without a store query.
//
// Otherwise the saturated-key exclusion set is computed against the
// provider's per-key ceiling and a uniformly random active key is fetched
// from the store. On success the key is cached as the identity's sticky
// allocation and its concurrency count incremented. Because two identities
// can race the same store row, the post-increment count is
// re-checked against the ceiling: an overshoot releases the slot, widens
// the exclusion set, and retries.
func (a *Allocator) Allocate(ctx context.Context, identity string, provider *config.Provider) (Allocated, error) {
	poolID := provider.KeysID
	maxUsage := provider.Concurrency.Keys.MaxUsageSameKey
	ceiling := provider.Concurrency.Keys.SameKey

	if maxUsage > 1 {
		if cached, ok := a.sessions.AllocatedKey(identity, poolID); ok && cached.UsageCount < maxUsage {
			// Sticky reuse skips the saturation check; the slot is still
			// counted so every Allocate pairs with one Release.
			a.tracker.Incr(cached.Secret, poolID)
			a.logger.Debug("re-using allocated key",
				"identity", identity,
				"key", logging.RedactKey(cached.Secret),
				"usage", fmt.Sprintf("%d/%d", cached.UsageCount+1, maxUsage),
			)
			return Allocated{Secret: cached.Secret, EndpointVariant: cached.EndpointVariant, Sticky: true}, nil
		}
	}

	exclude := a.tracker.SaturatedKeys(poolID, ceiling)

	for attempt := 0; attempt < allocateRecheckBudget; attempt++ {
		key, err := a.store.GetRandomActiveKey(ctx, poolID, exclude)
		if err != nil {
			return Allocated{}, fmt.Errorf("key lookup for pool %q: %w", poolID, err)
		}
		if key == nil {
			return Allocated{}, fmt.Errorf("pool %q: %w", poolID, ErrNoKeyAvailable)
		}

		if a.tracker.Incr(key.Secret, poolID) > ceiling {
			// Lost a race for the last slot on this key. Back out and
			// exclude it from the next pick.
			a.tracker.Decr(key.Secret)
			exclude = append(exclude, key.Secret)
			continue
		}

		a.sessions.SetAllocatedKey(identity, poolID, key.Secret, key.Metadata.Endpoint)

		a.logger.Debug("allocated key",
			"identity", identity,
			"pool", poolID,
			"key", logging.RedactKey(key.Secret),
		)
		return Allocated{Secret: key.Secret, EndpointVariant: key.Metadata.Endpoint}, nil
	}

	return Allocated{}, fmt.Errorf("pool %q: %w", poolID, ErrNoKeyAvailable)
}

// Release returns a key's concurrency slot.
func (a *Allocator) Release(secret string) {
	a.tracker.Decr(secret)
}

// Invalidate drops the identity's sticky allocation for the pool. Used when
// the upstream rejects the key outright.
func (a *Allocator) Invalidate(identity, poolID string) {
	a.sessions.InvalidateKey(identity, poolID)
}

// RecordUsage bumps the sticky usage counter so the reuse ceiling is
// enforced. Called on every successful or terminal use of an allocation.
func (a *Allocator) RecordUsage(identity, poolID string) {
	a.sessions.IncrKeyUsage(identity, poolID)
}
