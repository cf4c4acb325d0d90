// Package session tracks per-caller-identity state: in-flight request
// counts, cooldown deadlines, sticky key allocations, and last activity.
//
// An identity is either an authenticated user token or a "country:address"
// string for anonymous traffic. Sessions are created lazily on first touch
// and evicted by a background sweep once idle beyond a threshold with zero
// active requests. All operations are total: an absent session behaves as a
// zero-valued one.
//
// # Thread Safety
//
// The Tracker owns its sessions exclusively and guards the map with a single
// mutex; every critical section is a map lookup or small field mutation, so
// contention stays negligible next to the upstream network calls the proxy
// performs between touches.
package session

import (
	"sync"
	"time"
)

// StickyKey is the cached key allocation an identity holds for one
// credential pool. The cached key is a copy; the durable store remains
// authoritative for key state.
type StickyKey struct {
	// Secret is the credential string.
	Secret string

	// EndpointVariant is the key's endpoint hint, carried so retries build
	// the same upstream URL without re-fetching the key row.
	EndpointVariant string

	// UsageCount is how many times this allocation has been used.
	UsageCount int
}

type session struct {
	activeRequests int
	cooldowns      map[string]time.Time
	allocatedKeys  map[string]*StickyKey // by pool id
	lastActivity   time.Time
}

// Tracker owns all identity sessions.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session

	// now is replaceable for tests.
	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// touch returns the session for identity, creating it if absent, and
// refreshes last activity. Caller must hold the lock.
func (t *Tracker) touchLocked(identity string) *session {
	s, ok := t.sessions[identity]
	if !ok {
		s = &session{
			cooldowns:     make(map[string]time.Time),
			allocatedKeys: make(map[string]*StickyKey),
		}
		t.sessions[identity] = s
	}
	s.lastActivity = t.now()
	return s
}

// Touch creates the session if absent and refreshes its last activity.
func (t *Tracker) Touch(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchLocked(identity)
}

// Active returns the identity's in-flight request count.
func (t *Tracker) Active(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[identity]; ok {
		return s.activeRequests
	}
	return 0
}

// IncrActive increments the in-flight count and returns the new value.
func (t *Tracker) IncrActive(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.touchLocked(identity)
	s.activeRequests++
	return s.activeRequests
}

// DecrActive decrements the in-flight count, never going below zero, and
// returns the new value. Decrementing an absent session is a no-op.
func (t *Tracker) DecrActive(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[identity]
	if !ok {
		return 0
	}
	if s.activeRequests > 0 {
		s.activeRequests--
	}
	return s.activeRequests
}

// Cooldown returns the next-allowed time for the given action kind, or the
// zero time when no cooldown is armed.
func (t *Tracker) Cooldown(identity, kind string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[identity]; ok {
		return s.cooldowns[kind]
	}
	return time.Time{}
}

// SetCooldown arms a cooldown for the given action kind.
func (t *Tracker) SetCooldown(identity, kind string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchLocked(identity).cooldowns[kind] = until
}

// AllocatedKey returns a copy of the identity's sticky allocation for a
// pool, or (zero, false) when none is cached.
func (t *Tracker) AllocatedKey(identity, poolID string) (StickyKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[identity]; ok {
		if k, ok := s.allocatedKeys[poolID]; ok {
			return *k, true
		}
	}
	return StickyKey{}, false
}

// SetAllocatedKey caches a fresh sticky allocation, resetting its usage
// count.
func (t *Tracker) SetAllocatedKey(identity, poolID, secret, endpointVariant string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.touchLocked(identity).allocatedKeys[poolID] = &StickyKey{
		Secret:          secret,
		EndpointVariant: endpointVariant,
	}
}

// IncrKeyUsage bumps the sticky allocation's usage counter. A no-op when no
// allocation is cached.
func (t *Tracker) IncrKeyUsage(identity, poolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[identity]; ok {
		if k, ok := s.allocatedKeys[poolID]; ok {
			k.UsageCount++
		}
	}
}

// InvalidateKey drops the sticky allocation for a pool. Used when the
// upstream rejects the key outright.
func (t *Tracker) InvalidateKey(identity, poolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[identity]; ok {
		delete(s.allocatedKeys, poolID)
	}
}

// Sweep removes sessions idle longer than staleThreshold with zero active
// requests, returning the number removed. A session racing to increment
// right after eviction is simply re-created lazily on its next touch.
func (t *Tracker) Sweep(staleThreshold time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-staleThreshold)
	removed := 0
	for identity, s := range t.sessions {
		if s.activeRequests == 0 && s.lastActivity.Before(cutoff) {
			delete(t.sessions, identity)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
