package keymux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymux/keymux/internal/clock"
	"github.com/keymux/keymux/pkg/storage"
)

func newTestPool(t *testing.T, c clock.Clock, keys []KeyConfig) *Pool {
	t.Helper()
	p, err := New(Config{
		Keys:   keys,
		Store:  storage.NewMemory(0),
		Clock:  c,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, p.awaitReady(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

var stringClassifier = Classifier[string]{
	IsRateLimited: func(r string) bool { return r == "rate-limited" },
	IsError:       func(r string) bool { return r == "error" },
}

func TestPool_New_RejectsEmptyKeys(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoKeysConfigured)
}

func TestPool_New_RejectsInvalidKey(t *testing.T) {
	_, err := New(Config{Keys: []KeyConfig{{ID: "", Value: "v"}}})
	var ike *InvalidKeyConfigError
	assert.ErrorAs(t, err, &ike)
}

func TestPool_Execute_Success(t *testing.T) {
	c := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPool(t, c, []KeyConfig{{ID: "k1", Value: "secret-1", Quota: QuotaConfig{Kind: QuotaUnlimited}}})

	resp, err := Execute(context.Background(), p, stringClassifier, func(ctx context.Context, keyValue string) (string, error) {
		assert.Equal(t, "secret-1", keyValue)
		return "ok", nil
	}, ExecuteOptions{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestPool_Execute_RotatesOnFailure(t *testing.T) {
	c := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPool(t, c, []KeyConfig{
		{ID: "bad", Value: "bad-secret", Quota: QuotaConfig{Kind: QuotaUnlimited}},
		{ID: "good", Value: "good-secret", Quota: QuotaConfig{Kind: QuotaUnlimited}},
	})

	var tried []string
	resp, err := Execute(context.Background(), p, stringClassifier, func(ctx context.Context, keyValue string) (string, error) {
		tried = append(tried, keyValue)
		if keyValue == "bad-secret" {
			return "", errors.New("boom")
		}
		return "ok", nil
	}, ExecuteOptions{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Contains(t, tried, "good-secret")
}

func TestPool_Execute_AllKeysExhausted(t *testing.T) {
	c := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPool(t, c, []KeyConfig{{ID: "k1", Value: "v1", Quota: QuotaConfig{Kind: QuotaTotal, Limit: 1}}})

	_, err := Execute(context.Background(), p, stringClassifier, func(ctx context.Context, keyValue string) (string, error) {
		return "ok", nil
	}, ExecuteOptions{})
	require.NoError(t, err)

	_, err = Execute(context.Background(), p, stringClassifier, func(ctx context.Context, keyValue string) (string, error) {
		t.Fatal("should not be called: key has no remaining quota")
		return "", nil
	}, ExecuteOptions{})

	var ake *AllKeysExhaustedError
	require.ErrorAs(t, err, &ake)
	assert.Equal(t, 1, ake.TotalKeys)
}

func TestPool_Execute_RateLimitedResponseRotatesAway(t *testing.T) {
	c := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPool(t, c, []KeyConfig{
		{ID: "limited", Value: "limited-secret", Quota: QuotaConfig{Kind: QuotaUnlimited}},
		{ID: "fine", Value: "fine-secret", Quota: QuotaConfig{Kind: QuotaUnlimited}},
	})

	resp, err := Execute(context.Background(), p, stringClassifier, func(ctx context.Context, keyValue string) (string, error) {
		if keyValue == "limited-secret" {
			return "rate-limited", nil
		}
		return "ok", nil
	}, ExecuteOptions{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestPool_OperatorControls(t *testing.T) {
	c := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPool(t, c, []KeyConfig{{ID: "k1", Value: "v1", Quota: QuotaConfig{Kind: QuotaTotal, Limit: 10}}})

	t.Run("open and close circuit", func(t *testing.T) {
		require.NoError(t, p.OpenCircuit("k1"))
		stats, ok := p.GetKeyStats("k1")
		require.True(t, ok)
		assert.True(t, stats.IsCircuitOpen)

		require.NoError(t, p.CloseCircuit("k1"))
		stats, _ = p.GetKeyStats("k1")
		assert.False(t, stats.IsCircuitOpen)
	})

	t.Run("unknown key", func(t *testing.T) {
		assert.ErrorIs(t, p.CloseCircuit("missing"), ErrUnknownKey)
	})

	t.Run("reset quota", func(t *testing.T) {
		_, err := Execute(context.Background(), p, stringClassifier, func(ctx context.Context, keyValue string) (string, error) {
			return "ok", nil
		}, ExecuteOptions{})
		require.NoError(t, err)

		stats, _ := p.GetKeyStats("k1")
		assert.Equal(t, 1, stats.QuotaUsed)

		require.NoError(t, p.ResetQuota("k1"))
		stats, _ = p.GetKeyStats("k1")
		assert.Equal(t, 0, stats.QuotaUsed)
	})
}

func TestPool_Shutdown_RejectsFurtherWork(t *testing.T) {
	c := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := New(Config{Keys: []KeyConfig{{ID: "k1", Value: "v1", Quota: QuotaConfig{Kind: QuotaUnlimited}}}, Store: storage.NewMemory(0), Clock: c, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, p.awaitReady(context.Background()))

	p.Shutdown()

	_, err = Execute(context.Background(), p, stringClassifier, func(ctx context.Context, keyValue string) (string, error) {
		return "ok", nil
	}, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestPool_GetHealth(t *testing.T) {
	c := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPool(t, c, []KeyConfig{
		{ID: "k1", Value: "v1", Quota: QuotaConfig{Kind: QuotaUnlimited}},
		{ID: "k2", Value: "v2", Quota: QuotaConfig{Kind: QuotaUnlimited}},
	})

	h := p.GetHealth()
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Equal(t, 2, h.TotalKeys)
	assert.Equal(t, 2, h.AvailableKeys)
}
