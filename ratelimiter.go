package keymux

import (
	"math"
	"time"

	"github.com/keymux/keymux/internal/clock"
)

// rateLimiter implements the token-bucket accounting from §4.1. It holds no
// per-key data itself — each call operates on the keyState passed in, whose
// mutex the caller must already hold.
type rateLimiter struct {
	clock clock.Clock
}

func newRateLimiter(c clock.Clock) *rateLimiter {
	return &rateLimiter{clock: c}
}

// refill advances tokens to now. Must be called with k.mu held.
func (r *rateLimiter) refill(k *keyState, now time.Time) {
	if k.cfg.RPS <= 0 {
		return
	}
	elapsed := now.Sub(k.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	k.tokens = math.Min(k.cfg.RPS, k.tokens+elapsed*k.cfg.RPS)
	k.lastRefill = now
}

// tryConsume refills then attempts to take one token, returning whether it
// held capacity. Must be called with k.mu held.
func (r *rateLimiter) tryConsume(k *keyState) bool {
	now := r.clock.Now()
	r.refill(k, now)
	if k.cfg.RPS <= 0 {
		return true
	}
	if k.tokens < 1 {
		return false
	}
	k.tokens--
	return true
}

// waitMs returns the time until the next token becomes available, 0 if one
// is already available. Must be called with k.mu held.
func (r *rateLimiter) waitMs(k *keyState) int64 {
	if k.cfg.RPS <= 0 {
		return 0
	}
	r.refill(k, r.clock.Now())
	if k.tokens >= 1 {
		return 0
	}
	return int64(math.Ceil((1 - k.tokens) / k.cfg.RPS * 1000))
}

// currentRps reports the instantaneous consumption rate for observability:
// the configured rate minus the current token level, clamped to >= 0.
func (r *rateLimiter) currentRps(k *keyState) float64 {
	if k.cfg.RPS <= 0 {
		return 0
	}
	r.refill(k, r.clock.Now())
	v := k.cfg.RPS - k.tokens
	if v < 0 {
		return 0
	}
	return v
}

// reset refills the bucket to full capacity.
func (r *rateLimiter) reset(k *keyState) {
	now := r.clock.Now()
	k.tokens = k.cfg.RPS
	k.lastRefill = now
}
