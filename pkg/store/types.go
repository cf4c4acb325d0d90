package store

import (
	"context"
	"time"
)

// KeyState is the lifecycle state of a credential key.
type KeyState string

const (
	// KeyActive keys are eligible for allocation.
	KeyActive KeyState = "active"

	// KeyRatelimited keys were rejected upstream with 402/429 and are parked
	// until operator intervention or an external un-park job.
	KeyRatelimited KeyState = "ratelimited"

	// KeyError keys failed in an unclassified way.
	KeyError KeyState = "error"

	// KeyDisabled keys were rejected upstream with 401. Disabled keys are
	// never allocated and may be physically removed by PruneDisabledKeys.
	KeyDisabled KeyState = "disabled"
)

// ValidKeyState reports whether s is a known lifecycle state.
func ValidKeyState(s KeyState) bool {
	switch s {
	case KeyActive, KeyRatelimited, KeyError, KeyDisabled:
		return true
	}
	return false
}

// KeyMetadata is free-form per-key metadata.
type KeyMetadata struct {
	// Endpoint is an endpoint-variant hint selecting a named base URL from
	// the provider's endpoint map.
	Endpoint string `json:"endpoint,omitempty"`

	// Info carries arbitrary operator notes.
	Info map[string]any `json:"info,omitempty"`
}

// Key is a persisted credential key.
type Key struct {
	ID        int64
	PoolID    string // owning credential-pool id (provider keys_id)
	Secret    string // the opaque credential string sent upstream
	State     KeyState
	Metadata  KeyMetadata
	TotalUsed int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserTier is the account tier.
type UserTier string

const (
	TierUser  UserTier = "USER"
	TierAdmin UserTier = "ADMIN"
)

// User is a persisted caller account.
type User struct {
	ID         int64
	Username   string
	Email      string
	Token      string
	Tier       UserTier
	Restricted bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Elevated reports whether the user bypasses concurrency, cooldown, and
// payload-limit gates.
func (u *User) Elevated() bool {
	return u.Tier == TierAdmin
}

// Expired reports whether the account is past its expiry, if one is set.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// Store is the durable store consumed by the proxy and CLI.
type Store interface {
	// GetRandomActiveKey returns a uniformly random active key from the pool,
	// excluding the given secrets. Returns (nil, nil) when no key qualifies.
	GetRandomActiveKey(ctx context.Context, poolID string, exclude []string) (*Key, error)

	// SetKeyState flips a key's lifecycle state, identified by its secret.
	SetKeyState(ctx context.Context, secret string, state KeyState) error

	// SetKeyMetadata replaces a key's metadata.
	SetKeyMetadata(ctx context.Context, secret string, md KeyMetadata) error

	// IncrKeyUsage bumps a key's cumulative usage counter.
	IncrKeyUsage(ctx context.Context, secret string) error

	// InsertKey adds a key to a pool. Returns (false, nil) when the secret
	// already exists.
	InsertKey(ctx context.Context, poolID, secret string, md KeyMetadata) (bool, error)

	// PruneDisabledKeys physically deletes disabled keys, returning the
	// number removed.
	PruneDisabledKeys(ctx context.Context) (int64, error)

	// GetUserByToken resolves a caller token. Returns (nil, nil) on miss.
	GetUserByToken(ctx context.Context, token string) (*User, error)

	// CreateUser inserts a user and returns it with its assigned id.
	CreateUser(ctx context.Context, u User) (*User, error)

	// GetAllowedProviders lists provider ids explicitly allow-listed for a
	// user.
	GetAllowedProviders(ctx context.Context, userID int64) ([]string, error)

	// EnsureProviderRows inserts counter rows for the given provider ids if
	// absent.
	EnsureProviderRows(ctx context.Context, providerIDs []string) error

	// IncrProviderRequestCount bumps a provider's request counter.
	IncrProviderRequestCount(ctx context.Context, providerID string) error

	// IncrProviderTokenCounts bumps a provider's token counters.
	IncrProviderTokenCounts(ctx context.Context, providerID string, input, output int64) error

	// Close releases backend resources.
	Close() error
}
