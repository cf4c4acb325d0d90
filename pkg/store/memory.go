package store

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It mirrors the SQLite
// backend's semantics, including uniform-random key selection, and is used by
// tests and short-lived tooling. Nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	keys      map[string]*Key // by secret
	users     map[string]*User // by token
	allowed   map[int64][]string
	providers map[string]*providerCounters

	nextKeyID  int64
	nextUserID int64
}

type providerCounters struct {
	requests     int64
	tokensInput  int64
	tokensOutput int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:      make(map[string]*Key),
		users:     make(map[string]*User),
		allowed:   make(map[int64][]string),
		providers: make(map[string]*providerCounters),
	}
}

// GetRandomActiveKey returns a uniformly random active key from the pool,
// excluding the given secrets. Returns (nil, nil) when no key qualifies.
func (m *MemoryStore) GetRandomActiveKey(_ context.Context, poolID string, exclude []string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}

	var candidates []*Key
	for _, k := range m.keys {
		if k.PoolID == poolID && k.State == KeyActive && !excluded[k.Secret] {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	picked := candidates[rand.Intn(len(candidates))]
	cp := *picked
	return &cp, nil
}

// SetKeyState flips a key's lifecycle state.
func (m *MemoryStore) SetKeyState(_ context.Context, secret string, state KeyState) error {
	if !ValidKeyState(state) {
		return fmt.Errorf("invalid key state %q", state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.keys[secret]; ok {
		k.State = state
		k.UpdatedAt = time.Now()
	}
	return nil
}

// SetKeyMetadata replaces a key's metadata.
func (m *MemoryStore) SetKeyMetadata(_ context.Context, secret string, md KeyMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.keys[secret]; ok {
		k.Metadata = md
		k.UpdatedAt = time.Now()
	}
	return nil
}

// IncrKeyUsage bumps a key's cumulative usage counter.
func (m *MemoryStore) IncrKeyUsage(_ context.Context, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.keys[secret]; ok {
		k.TotalUsed++
		k.UpdatedAt = time.Now()
	}
	return nil
}

// InsertKey adds a key to a pool. Returns (false, nil) for duplicates.
func (m *MemoryStore) InsertKey(_ context.Context, poolID, secret string, md KeyMetadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[secret]; ok {
		return false, nil
	}

	m.nextKeyID++
	now := time.Now()
	m.keys[secret] = &Key{
		ID:        m.nextKeyID,
		PoolID:    poolID,
		Secret:    secret,
		State:     KeyActive,
		Metadata:  md,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

// PruneDisabledKeys physically deletes disabled keys.
func (m *MemoryStore) PruneDisabledKeys(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for secret, k := range m.keys {
		if k.State == KeyDisabled {
			delete(m.keys, secret)
			n++
		}
	}
	return n, nil
}

// GetUserByToken resolves a caller token. Returns (nil, nil) on miss.
func (m *MemoryStore) GetUserByToken(_ context.Context, token string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[token]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// CreateUser inserts a user and returns it with its assigned id.
func (m *MemoryStore) CreateUser(_ context.Context, u User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.Token]; ok {
		return nil, fmt.Errorf("user token already exists")
	}

	if u.Tier == "" {
		u.Tier = TierUser
	}
	m.nextUserID++
	u.ID = m.nextUserID
	u.CreatedAt = time.Now()

	stored := u
	m.users[u.Token] = &stored
	return &u, nil
}

// SetAllowedProviders replaces a user's provider allow-list. Test helper not
// present on the Store interface.
func (m *MemoryStore) SetAllowedProviders(userID int64, providerIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[userID] = append([]string(nil), providerIDs...)
}

// GetAllowedProviders lists provider ids allow-listed for a user.
func (m *MemoryStore) GetAllowedProviders(_ context.Context, userID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.allowed[userID]...), nil
}

// EnsureProviderRows inserts counter rows for providers if absent.
func (m *MemoryStore) EnsureProviderRows(_ context.Context, providerIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range providerIDs {
		if _, ok := m.providers[id]; !ok {
			m.providers[id] = &providerCounters{}
		}
	}
	return nil
}

// IncrProviderRequestCount bumps a provider's request counter.
func (m *MemoryStore) IncrProviderRequestCount(_ context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.providers[providerID]; ok {
		c.requests++
	}
	return nil
}

// IncrProviderTokenCounts bumps a provider's token counters.
func (m *MemoryStore) IncrProviderTokenCounts(_ context.Context, providerID string, input, output int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.providers[providerID]; ok {
		c.tokensInput += input
		c.tokensOutput += output
	}
	return nil
}

// ProviderCounters returns a provider's counters. Test helper.
func (m *MemoryStore) ProviderCounters(providerID string) (requests, input, output int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.providers[providerID]; ok {
		return c.requests, c.tokensInput, c.tokensOutput
	}
	return 0, 0, 0
}

// KeyBySecret returns a copy of a stored key. Test helper.
func (m *MemoryStore) KeyBySecret(secret string) (*Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[secret]
	if !ok {
		return nil, false
	}
	cp := *k
	return &cp, true
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error {
	return nil
}
