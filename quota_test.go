package keymux

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymux/keymux/internal/clock"
	"github.com/keymux/keymux/pkg/storage"
)

func TestQuotaTracker_Increment(t *testing.T) {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	store := storage.NewMemory(0)
	qt := newQuotaTracker(c, store, zerolog.Nop(), 0.8)

	var warned, exhausted string
	qt.onWarning = func(keyID string, pct float64) { warned = keyID }
	qt.onKeyExhausted = func(keyID string) { exhausted = keyID }

	k := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaMonthly, Limit: 10}}, base)
	ctx := context.Background()

	t.Run("increments usage", func(t *testing.T) {
		qt.increment(ctx, k, 5)
		assert.Equal(t, 5, k.quotaUsed)
		assert.Empty(t, warned)
	})

	t.Run("fires warning at threshold", func(t *testing.T) {
		qt.increment(ctx, k, 3)
		assert.Equal(t, "k1", warned)
		assert.Empty(t, exhausted)
	})

	t.Run("fires exhausted on crossing the limit", func(t *testing.T) {
		qt.increment(ctx, k, 2)
		assert.Equal(t, "k1", exhausted)
		assert.False(t, k.hasQuota())
	})
}

func TestQuotaTracker_MonthlyRollover(t *testing.T) {
	base := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	qt := newQuotaTracker(c, storage.NewMemory(0), zerolog.Nop(), 0.8)

	k := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaMonthly, Limit: 10}}, base)
	k.quotaUsed = 9
	ctx := context.Background()

	t.Run("same month does not roll over", func(t *testing.T) {
		c.Advance(30 * time.Minute)
		qt.rolloverIfNeeded(k, c.Now())
		assert.Equal(t, 9, k.quotaUsed)
	})

	t.Run("crossing into the next calendar month rolls over", func(t *testing.T) {
		c.Advance(2 * time.Hour)
		qt.rolloverIfNeeded(k, c.Now())
		assert.Equal(t, 0, k.quotaUsed)
		assert.False(t, k.warned)
	})
}

func TestQuotaTracker_YearlyRollover(t *testing.T) {
	base := time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)
	k := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaYearly, Limit: 100}}, base)
	k.quotaUsed = 50

	assert.False(t, periodElapsed(QuotaYearly, k.periodStart, base.Add(30*time.Minute)))
	assert.True(t, periodElapsed(QuotaYearly, k.periodStart, base.Add(2*time.Hour)))
}

func TestQuotaTracker_SyncFromResponse(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	qt := newQuotaTracker(c, storage.NewMemory(0), zerolog.Nop(), 0.8)
	k := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaTotal, Limit: 100}}, base)
	k.quotaUsed = 10
	ctx := context.Background()

	t.Run("authoritative remaining only moves usage upward", func(t *testing.T) {
		qt.syncFromResponse(ctx, k, 95) // implies usage of 5, lower than local 10
		assert.Equal(t, 10, k.quotaUsed)

		qt.syncFromResponse(ctx, k, 50) // implies usage of 50, higher than local 10
		assert.Equal(t, 50, k.quotaUsed)
	})
}

func TestQuotaTracker_PersistAndLoad(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewMock(base)
	store := storage.NewMemory(0)
	qt := newQuotaTracker(c, store, zerolog.Nop(), 0.8)
	ctx := context.Background()

	k := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaMonthly, Limit: 10}}, base)
	qt.increment(ctx, k, 4)

	require.Eventually(t, func() bool {
		raw, err := store.Get(ctx, storageKey("k1"))
		return err == nil && raw != nil
	}, time.Second, 5*time.Millisecond)

	reloaded := newKeyState(KeyConfig{ID: "k1", Quota: QuotaConfig{Kind: QuotaMonthly, Limit: 10}}, base)
	qt.load(ctx, reloaded)
	assert.Equal(t, 4, reloaded.quotaUsed)
}
