package keymux

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/keymux/keymux/internal/clock"
)

// availabilityBreakdown counts keys by mutually-exclusive category, with
// precedence circuit-open > quota-exhausted > rate-limited, per §4.4.
type availabilityBreakdown struct {
	Available       int
	RateLimited     int
	QuotaExhausted  int
	CircuitOpen     int
}

// selector implements the weighted round-robin scan from §4.4. It owns only
// the cursor; the key collection itself is supplied by the facade on every
// call, so KeyState never references the selector.
type selector struct {
	clock  clock.Clock
	limiter *rateLimiter
	log     zerolog.Logger

	mu     sync.Mutex
	cursor int
}

func newSelector(c clock.Clock, limiter *rateLimiter, log zerolog.Logger) *selector {
	return &selector{clock: c, limiter: limiter, log: log}
}

// weightedSequence repeats each key `weight` times, in the caller's order.
func weightedSequence(keys []*keyState) []*keyState {
	seq := make([]*keyState, 0, len(keys))
	for _, k := range keys {
		w := k.cfg.effectiveWeight()
		for i := 0; i < w; i++ {
			seq = append(seq, k)
		}
	}
	return seq
}

// selectKey scans up to one full revolution of the weighted sequence
// starting at the internal cursor, skipping excluded ids and ineligible
// keys, and returns the first eligible key found.
func (s *selector) selectKey(keys []*keyState, excluded map[string]bool) (*keyState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := weightedSequence(keys)
	n := len(seq)
	if n == 0 {
		return nil, false
	}

	now := s.clock.Now()
	start := ((s.cursor % n) + n) % n

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		k := seq[idx]

		k.mu.Lock()
		if excluded[k.cfg.ID] {
			k.mu.Unlock()
			continue
		}
		s.limiter.refill(k, now)
		eligible := k.isAvailableAt(now)
		k.mu.Unlock()

		if eligible {
			s.cursor = idx + 1
			s.log.Debug().Str("key_id", k.cfg.ID).Msg("selected key")
			return k, true
		}
	}
	s.log.Debug().Int("candidates", n).Int("excluded", len(excluded)).Msg("no eligible key found in this scan")
	return nil, false
}

// breakdown classifies every key into exactly one availability category.
func (s *selector) breakdown(keys []*keyState) availabilityBreakdown {
	var b availabilityBreakdown
	now := s.clock.Now()
	for _, k := range keys {
		k.mu.Lock()
		s.limiter.refill(k, now)
		switch {
		case k.circuitStateAt(now) == circuitOpen:
			b.CircuitOpen++
		case !k.hasQuota():
			b.QuotaExhausted++
		case (k.cfg.RPS > 0 && k.tokens < 1) || (!k.rateLimitedUntil.IsZero() && now.Before(k.rateLimitedUntil)):
			b.RateLimited++
		default:
			b.Available++
		}
		k.mu.Unlock()
	}
	return b
}

// nextAvailableTime returns the minimum wait, in ms, until any key is
// likely to become available again: the soonest of circuit resets,
// token refills, and temporary rate-limit expiries. Defaults to 60000ms
// when no key offers a signal (e.g. every key is quota-exhausted).
func (s *selector) nextAvailableTime(keys []*keyState) int64 {
	now := s.clock.Now()
	best := int64(-1)

	consider := func(ms int64) {
		if ms < 0 {
			ms = 0
		}
		if best == -1 || ms < best {
			best = ms
		}
	}

	for _, k := range keys {
		k.mu.Lock()
		if k.circuitStateAt(now) == circuitOpen && !k.circuitOpenUntil.IsZero() {
			consider(k.circuitOpenUntil.Sub(now).Milliseconds())
		} else if k.hasQuota() {
			wait := s.limiter.waitMs(k)
			if !k.rateLimitedUntil.IsZero() && now.Before(k.rateLimitedUntil) {
				if rl := k.rateLimitedUntil.Sub(now).Milliseconds(); rl > wait {
					wait = rl
				}
			}
			consider(wait)
		}
		k.mu.Unlock()
	}

	if best == -1 {
		return 60000
	}
	return best
}
