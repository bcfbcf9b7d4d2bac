package keymux

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymux/keymux/internal/clock"
)

func TestSelector_WeightedRoundRobin(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	rl := newRateLimiter(c)
	sel := newSelector(c, rl, zerolog.Nop())

	heavy := newKeyState(KeyConfig{ID: "heavy", Weight: 3}, base)
	light := newKeyState(KeyConfig{ID: "light", Weight: 1}, base)
	keys := []*keyState{heavy, light}

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		k, ok := sel.selectKey(keys, nil)
		require.True(t, ok)
		counts[k.cfg.ID]++
	}

	assert.Greater(t, counts["heavy"], counts["light"], "heavier key should be chosen more often")
}

func TestSelector_SkipsExcludedAndIneligible(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	rl := newRateLimiter(c)
	sel := newSelector(c, rl, zerolog.Nop())

	a := newKeyState(KeyConfig{ID: "a"}, base)
	b := newKeyState(KeyConfig{ID: "b"}, base)
	b.circuit = circuitOpen
	b.circuitOpenUntil = base.Add(time.Minute)
	keys := []*keyState{a, b}

	t.Run("circuit-open key is never selected", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			k, ok := sel.selectKey(keys, nil)
			require.True(t, ok)
			assert.Equal(t, "a", k.cfg.ID)
		}
	})

	t.Run("all keys excluded yields no selection", func(t *testing.T) {
		_, ok := sel.selectKey(keys, map[string]bool{"a": true, "b": true})
		assert.False(t, ok)
	})
}

func TestSelector_Breakdown(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	rl := newRateLimiter(c)
	sel := newSelector(c, rl, zerolog.Nop())

	available := newKeyState(KeyConfig{ID: "available"}, base)

	circuitOpenKey := newKeyState(KeyConfig{ID: "circuit"}, base)
	circuitOpenKey.circuit = circuitOpen
	circuitOpenKey.circuitOpenUntil = base.Add(time.Minute)

	exhausted := newKeyState(KeyConfig{ID: "exhausted", Quota: QuotaConfig{Kind: QuotaTotal, Limit: 10}}, base)
	exhausted.quotaUsed = 10

	rateLimited := newKeyState(KeyConfig{ID: "limited"}, base)
	rateLimited.rateLimitedUntil = base.Add(time.Minute)

	b := sel.breakdown([]*keyState{available, circuitOpenKey, exhausted, rateLimited})
	assert.Equal(t, 1, b.Available)
	assert.Equal(t, 1, b.CircuitOpen)
	assert.Equal(t, 1, b.QuotaExhausted)
	assert.Equal(t, 1, b.RateLimited)
}

func TestSelector_NextAvailableTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	rl := newRateLimiter(c)
	sel := newSelector(c, rl, zerolog.Nop())

	k := newKeyState(KeyConfig{ID: "k1"}, base)
	k.circuit = circuitOpen
	k.circuitOpenUntil = base.Add(5 * time.Second)

	ms := sel.nextAvailableTime([]*keyState{k})
	assert.InDelta(t, 5000, ms, 50)

	exhaustedOnly := newKeyState(KeyConfig{ID: "k2", Quota: QuotaConfig{Kind: QuotaTotal, Limit: 1}}, base)
	exhaustedOnly.quotaUsed = 1
	assert.Equal(t, int64(60000), sel.nextAvailableTime([]*keyState{exhaustedOnly}))
}
