package keymux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyState_HasQuota(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("unlimited always has quota", func(t *testing.T) {
		k := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaUnlimited}}, base)
		k.quotaUsed = 1_000_000
		assert.True(t, k.hasQuota())
		assert.Equal(t, -1, k.quotaRemaining())
	})

	t.Run("bounded quota exhausts at the limit", func(t *testing.T) {
		k := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaTotal, Limit: 10}}, base)
		k.quotaUsed = 9
		assert.True(t, k.hasQuota())
		assert.Equal(t, 1, k.quotaRemaining())

		k.quotaUsed = 10
		assert.False(t, k.hasQuota())
		assert.Equal(t, 0, k.quotaRemaining())
	})
}

func TestKeyState_CircuitStateAt(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := newKeyState(KeyConfig{ID: "k1"}, base)
	k.circuit = circuitOpen
	k.circuitOpenUntil = base.Add(time.Minute)

	assert.Equal(t, circuitOpen, k.circuitStateAt(base.Add(30*time.Second)))
	assert.Equal(t, circuitHalfOpen, k.circuitStateAt(base.Add(2*time.Minute)))
}

func TestKeyState_IsAvailableAt(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("fully available key", func(t *testing.T) {
		k := newKeyState(KeyConfig{ID: "k1", RPS: 5}, base)
		assert.True(t, k.isAvailableAt(base))
	})

	t.Run("no tokens means unavailable", func(t *testing.T) {
		k := newKeyState(KeyConfig{ID: "k1", RPS: 5}, base)
		k.tokens = 0
		assert.False(t, k.isAvailableAt(base))
	})

	t.Run("temporary rate-limit window blocks availability", func(t *testing.T) {
		k := newKeyState(KeyConfig{ID: "k1"}, base)
		k.rateLimitedUntil = base.Add(time.Minute)
		assert.False(t, k.isAvailableAt(base))
		assert.True(t, k.isAvailableAt(base.Add(2*time.Minute)))
	})
}

func TestKeyConfig_Validate(t *testing.T) {
	t.Run("empty id rejected", func(t *testing.T) {
		err := KeyConfig{Value: "v"}.validate()
		assert.Error(t, err)
	})

	t.Run("bounded quota requires a positive limit", func(t *testing.T) {
		err := KeyConfig{ID: "k1", Value: "v", Quota: QuotaConfig{Kind: QuotaMonthly, Limit: 0}}.validate()
		assert.Error(t, err)
	})

	t.Run("unlimited quota needs no limit", func(t *testing.T) {
		err := KeyConfig{ID: "k1", Value: "v", Quota: QuotaConfig{Kind: QuotaUnlimited}}.validate()
		assert.NoError(t, err)
	})
}

func TestKeyConfig_EffectiveWeight(t *testing.T) {
	assert.Equal(t, 1, KeyConfig{}.effectiveWeight())
	assert.Equal(t, 5, KeyConfig{Weight: 5}.effectiveWeight())
}
