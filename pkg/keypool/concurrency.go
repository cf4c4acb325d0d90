package keypool

import "sync"

// ConcurrencyTracker maps credential key secrets to in-flight use counts.
//
// Invariants: counts are always >= 1 while present; an entry is removed the
// moment its count would reach zero, so the map never accumulates dead keys.
type ConcurrencyTracker struct {
	mu      sync.Mutex
	entries map[string]*concurrencyEntry
}

type concurrencyEntry struct {
	poolID string
	count  int
}

// NewConcurrencyTracker creates an empty tracker.
func NewConcurrencyTracker() *ConcurrencyTracker {
	return &ConcurrencyTracker{entries: make(map[string]*concurrencyEntry)}
}

// Incr increments the key's in-flight count, creating the entry at 1 if
// absent, and returns the new count.
func (ct *ConcurrencyTracker) Incr(secret, poolID string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if e, ok := ct.entries[secret]; ok {
		e.count++
		return e.count
	}
	ct.entries[secret] = &concurrencyEntry{poolID: poolID, count: 1}
	return 1
}

// Decr decrements the key's in-flight count, deleting the entry when it
// would drop to zero. Returns the new count; 0 for absent keys.
func (ct *ConcurrencyTracker) Decr(secret string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	e, ok := ct.entries[secret]
	if !ok {
		return 0
	}
	if e.count <= 1 {
		delete(ct.entries, secret)
		return 0
	}
	e.count--
	return e.count
}

// Count returns the key's in-flight count; 0 for absent keys.
func (ct *ConcurrencyTracker) Count(secret string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if e, ok := ct.entries[secret]; ok {
		return e.count
	}
	return 0
}

// SaturatedKeys returns every key in the pool whose count has reached the
// ceiling. The result is the exclusion set handed to the store so a new
// allocation never targets an already-maxed-out key.
func (ct *ConcurrencyTracker) SaturatedKeys(poolID string, ceiling int) []string {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	var saturated []string
	for secret, e := range ct.entries {
		if e.poolID == poolID && e.count >= ceiling {
			saturated = append(saturated, secret)
		}
	}
	return saturated
}

// Len returns the number of live entries.
func (ct *ConcurrencyTracker) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.entries)
}
