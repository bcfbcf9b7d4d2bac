package keymux

import (
	"sync"
	"time"
)

// circuitState enumerates a key's circuit breaker phase.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// keyState is the mutable record paired with one KeyConfig. All mutation
// goes through its mutex; components never hold their own copy of this
// data, only algorithms that operate on a keyState passed in by the pool
// that owns it. This keeps KeyState free of references back to the
// components that operate on it.
type keyState struct {
	mu sync.Mutex

	cfg KeyConfig

	quotaUsed   int
	periodStart time.Time
	warned      bool

	tokens     float64
	lastRefill time.Time

	rateLimitedUntil time.Time

	circuit             circuitState
	circuitOpenUntil    time.Time
	consecutiveFailures int

	lastUsed time.Time
}

// newKeyState builds the initial state for cfg, seeded at now. Quota fields
// are filled in separately once any persisted record has been loaded.
func newKeyState(cfg KeyConfig, now time.Time) *keyState {
	return &keyState{
		cfg:         cfg,
		periodStart: now,
		tokens:      cfg.RPS,
		lastRefill:  now,
		circuit:     circuitClosed,
	}
}

// hasQuota reports whether the key has remaining quota, without performing
// rollover (callers that need rollover semantics go through QuotaTracker).
func (k *keyState) hasQuota() bool {
	if k.cfg.Quota.Kind == QuotaUnlimited {
		return true
	}
	return k.quotaUsed < k.cfg.Quota.Limit
}

// quotaRemaining returns the remaining quota, or -1 for unlimited.
func (k *keyState) quotaRemaining() int {
	if k.cfg.Quota.Kind == QuotaUnlimited {
		return -1
	}
	remaining := k.cfg.Quota.Limit - k.quotaUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// circuitStateAt lazily advances open->half-open if the timer has elapsed,
// and returns the resulting state. Must be called with k.mu held.
func (k *keyState) circuitStateAt(now time.Time) circuitState {
	if k.circuit == circuitOpen && !k.circuitOpenUntil.IsZero() && !now.Before(k.circuitOpenUntil) {
		k.circuit = circuitHalfOpen
		k.circuitOpenUntil = time.Time{}
	}
	return k.circuit
}

// isAvailableAt reports the availability predicate from §3: circuit not
// open, quota remaining, at least one token, and no active temporary
// rate-limit window. Must be called with k.mu held; tokens must already be
// refilled to now by the caller.
func (k *keyState) isAvailableAt(now time.Time) bool {
	if k.circuitStateAt(now) == circuitOpen {
		return false
	}
	if !k.hasQuota() {
		return false
	}
	if k.cfg.RPS > 0 && k.tokens < 1 {
		return false
	}
	if !k.rateLimitedUntil.IsZero() && now.Before(k.rateLimitedUntil) {
		return false
	}
	return true
}
