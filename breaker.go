package keymux

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/keymux/keymux/internal/clock"
)

// circuitBreaker implements the per-key state machine from §4.3. Unlike the
// teacher's resilience.CircuitBreaker, closing on half-open requires only a
// single success — there is no SuccessThreshold here, matching the exact
// transition table this spec calls for.
type circuitBreaker struct {
	clock            clock.Clock
	log              zerolog.Logger
	failureThreshold int
	resetTimeout     time.Duration

	onOpen func(keyID string)
}

func newCircuitBreaker(c clock.Clock, log zerolog.Logger, failureThreshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{clock: c, log: log, failureThreshold: failureThreshold, resetTimeout: resetTimeout}
}

// state returns the current (lazily-advanced) circuit state. Must be called
// with k.mu held.
func (b *circuitBreaker) state(k *keyState) circuitState {
	return k.circuitStateAt(b.clock.Now())
}

// recordFailure applies a failed attempt. Must be called with k.mu held.
func (b *circuitBreaker) recordFailure(k *keyState) {
	now := b.clock.Now()
	switch k.circuitStateAt(now) {
	case circuitClosed:
		k.consecutiveFailures++
		if k.consecutiveFailures >= b.failureThreshold {
			b.open(k, now)
		}
	case circuitHalfOpen:
		b.open(k, now)
	case circuitOpen:
		k.consecutiveFailures++
	}
}

// recordSuccess applies a successful attempt. Must be called with k.mu
// held.
func (b *circuitBreaker) recordSuccess(k *keyState) {
	now := b.clock.Now()
	switch k.circuitStateAt(now) {
	case circuitHalfOpen:
		b.close(k)
	case circuitClosed:
		k.consecutiveFailures = 0
	}
}

// open transitions to open and fires onOpen. Must be called with k.mu held.
func (b *circuitBreaker) open(k *keyState, now time.Time) {
	k.circuit = circuitOpen
	k.circuitOpenUntil = now.Add(b.resetTimeout)
	b.log.Warn().
		Str("key_id", k.cfg.ID).
		Int("consecutive_failures", k.consecutiveFailures).
		Time("reset_at", k.circuitOpenUntil).
		Msg("circuit breaker opened")
	if b.onOpen != nil {
		b.onOpen(k.cfg.ID)
	}
}

// close transitions to closed and clears failure bookkeeping. Must be
// called with k.mu held.
func (b *circuitBreaker) close(k *keyState) {
	k.circuit = circuitClosed
	k.circuitOpenUntil = time.Time{}
	k.consecutiveFailures = 0
	b.log.Info().Str("key_id", k.cfg.ID).Msg("circuit breaker closed")
}

// forceOpen is the operator override; it always fires onOpen. Must be
// called with k.mu held.
func (b *circuitBreaker) forceOpen(k *keyState) {
	b.open(k, b.clock.Now())
}

// forceClose is the operator override. Must be called with k.mu held.
func (b *circuitBreaker) forceClose(k *keyState) {
	b.close(k)
}
