// Package spike implements the traffic-spike guard: a sliding-window
// request-rate anomaly detector that flips the gateway into a temporary
// reject-all spike mode.
//
// # State machine
//
// The guard has two states, NORMAL and SPIKE. A check in NORMAL prunes the
// caller's window and the global window to their configured durations,
// appends the current timestamp, and trips SPIKE when either count exceeds
// its maximum. SPIKE carries an absolute expiry; any check after that point
// transitions back to NORMAL as a side effect of the check itself. No timer
// is required for correctness since expiry is lazy, though Reset may be wired
// to a scheduler to proactively drop tracking memory.
//
// While in SPIKE all requests are rejected until the caller completes the
// out-of-band verification step, which marks its address exempt for a
// bounded period via MarkVerified.
package spike

import (
	"log/slog"
	"sync"
	"time"

	"mino-hq/mino/pkg/config"
)

// Guard is the process-wide spike detector.
type Guard struct {
	cfg config.SpikeConfig

	mu          sync.Mutex
	active      bool
	activatedAt time.Time
	expiresAt   time.Time

	perIdentity map[string][]time.Time
	global      []time.Time
	verified    map[string]time.Time // address -> exemption expiry

	logger *slog.Logger

	// onActivate, when set, fires on each NORMAL->SPIKE transition.
	onActivate func()

	// now is replaceable for tests.
	now func() time.Time
}

// NewGuard creates a guard in NORMAL state.
func NewGuard(cfg config.SpikeConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:         cfg,
		perIdentity: make(map[string][]time.Time),
		verified:    make(map[string]time.Time),
		logger:      logger.With("component", "spike"),
		now:         time.Now,
	}
}

// OnActivate registers a hook fired on each NORMAL->SPIKE transition
// (metrics). Must be called before the guard is shared.
func (g *Guard) OnActivate(fn func()) {
	g.onActivate = fn
}

// Check records one request from the identity at the given address and
// reports whether it must be rejected. Addresses holding a live
// verification exemption are never rejected and do not feed the windows.
func (g *Guard) Check(identity, address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if exp, ok := g.verified[address]; ok {
		if now.Before(exp) {
			return false
		}
		delete(g.verified, address)
	}

	if g.checkExpiryLocked(now) {
		return true
	}

	window := pruneWindow(g.perIdentity[identity], g.cfg.PerIdentityWindow, now)
	window = append(window, now)
	g.perIdentity[identity] = window

	g.global = append(pruneWindow(g.global, g.cfg.GlobalWindow, now), now)

	if len(window) > g.cfg.PerIdentityMax {
		g.activateLocked(now, "per-identity threshold exceeded", identity)
		return true
	}
	if len(g.global) > g.cfg.GlobalMax {
		g.activateLocked(now, "global threshold exceeded", "")
		return true
	}

	return false
}

// Active reports whether the guard is in SPIKE, applying lazy expiry.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkExpiryLocked(g.now())
}

// MarkVerified exempts an address from spike rejection until the configured
// exemption window elapses.
func (g *Guard) MarkVerified(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.verified[address] = g.now().Add(g.cfg.VerifiedExemption)
	g.logger.Info("address verified", "address", address)
}

// Reset clears SPIKE state and all tracking memory. Wired to the
// maintenance scheduler to bound window memory between bursts.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active = false
	g.activatedAt = time.Time{}
	g.expiresAt = time.Time{}
	g.perIdentity = make(map[string][]time.Time)
	g.global = nil
}

// checkExpiryLocked returns the current SPIKE state, clearing it if expired.
func (g *Guard) checkExpiryLocked(now time.Time) bool {
	if g.active && now.After(g.expiresAt) {
		g.active = false
		g.activatedAt = time.Time{}
		g.expiresAt = time.Time{}
		g.logger.Info("spike mode expired")
	}
	return g.active
}

func (g *Guard) activateLocked(now time.Time, reason, identity string) {
	g.active = true
	g.activatedAt = now
	g.expiresAt = now.Add(g.cfg.SpikeDuration)

	g.logger.Warn("spike mode activated",
		"reason", reason,
		"identity", identity,
		"expires_at", g.expiresAt,
	)
	if g.onActivate != nil {
		g.onActivate()
	}
}

// pruneWindow drops timestamps older than the window duration.
func pruneWindow(window []time.Time, d time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-d)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
