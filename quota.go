package keymux

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/keymux/keymux/internal/clock"
	"github.com/keymux/keymux/pkg/storage"
)

const (
	monthlyTTLSeconds = 35 * 24 * 3600
	yearlyTTLSeconds  = 370 * 24 * 3600
)

// quotaRecord is the JSON shape persisted under "quota:<id>", per §6.
type quotaRecord struct {
	QuotaUsed   int       `json:"quotaUsed"`
	PeriodStart time.Time `json:"periodStart"`
}

// quotaTracker implements §4.2: period rollover, bounded increment with
// warning/exhaustion hooks, and authoritative-upward sync from responses.
// Like rateLimiter it holds no per-key data of its own.
type quotaTracker struct {
	clock            clock.Clock
	store            storage.Storage
	log              zerolog.Logger
	warningThreshold float64

	onWarning      func(keyID string, usagePercent float64)
	onKeyExhausted func(keyID string)
}

func newQuotaTracker(c clock.Clock, store storage.Storage, log zerolog.Logger, warningThreshold float64) *quotaTracker {
	return &quotaTracker{clock: c, store: store, log: log, warningThreshold: warningThreshold}
}

// rolloverIfNeeded resets the quota period when the UTC calendar boundary
// for k.cfg.Quota.Kind has passed. Must be called with k.mu held.
func (q *quotaTracker) rolloverIfNeeded(k *keyState, now time.Time) {
	if periodElapsed(k.cfg.Quota.Kind, k.periodStart, now) {
		k.quotaUsed = 0
		k.periodStart = now
		k.warned = false
	}
}

func periodElapsed(kind QuotaKind, periodStart, now time.Time) bool {
	switch kind {
	case QuotaMonthly:
		ny, nm, _ := now.UTC().Date()
		py, pm, _ := periodStart.UTC().Date()
		return ny > py || (ny == py && nm > pm)
	case QuotaYearly:
		return now.UTC().Year() > periodStart.UTC().Year()
	default: // total, unlimited
		return false
	}
}

// increment performs rollover check, adds n for bounded quotas, fires
// onWarning/onKeyExhausted on the transitions that cross their thresholds,
// and persists fire-and-forget. Must be called with k.mu held.
func (q *quotaTracker) increment(ctx context.Context, k *keyState, n int) {
	now := q.clock.Now()
	q.rolloverIfNeeded(k, now)

	if k.cfg.Quota.Kind == QuotaUnlimited {
		q.persist(ctx, k)
		return
	}

	before := k.quotaUsed
	k.quotaUsed += n
	limit := k.cfg.Quota.Limit

	if !k.warned && q.warningThreshold > 0 {
		usage := float64(k.quotaUsed) / float64(limit)
		if usage >= q.warningThreshold {
			k.warned = true
			q.log.Debug().Str("key_id", k.cfg.ID).Float64("usage", usage).Msg("quota warning threshold crossed")
			if q.onWarning != nil {
				q.onWarning(k.cfg.ID, usage)
			}
		}
	}

	if before < limit && k.quotaUsed >= limit {
		q.log.Warn().Str("key_id", k.cfg.ID).Int("quota_used", k.quotaUsed).Int("limit", limit).Msg("key quota exhausted")
		if q.onKeyExhausted != nil {
			q.onKeyExhausted(k.cfg.ID)
		}
	}

	q.persist(ctx, k)
}

// syncFromResponse applies the server's authoritative remaining count,
// never rewinding local accounting. Must be called with k.mu held.
func (q *quotaTracker) syncFromResponse(ctx context.Context, k *keyState, remaining int) {
	if k.cfg.Quota.Kind == QuotaUnlimited {
		return
	}
	candidate := k.cfg.Quota.Limit - remaining
	if candidate > k.quotaUsed {
		k.quotaUsed = candidate
		q.persist(ctx, k)
	}
}

// resetQuota clears usage and the current period, used by the operator
// control and by a forced reset. Must be called with k.mu held.
func (q *quotaTracker) resetQuota(ctx context.Context, k *keyState) {
	k.quotaUsed = 0
	k.periodStart = q.clock.Now()
	k.warned = false
	q.persist(ctx, k)
}

func (q *quotaTracker) ttlSeconds(kind QuotaKind) int {
	switch kind {
	case QuotaMonthly:
		return monthlyTTLSeconds
	case QuotaYearly:
		return yearlyTTLSeconds
	default:
		return 0
	}
}

// persist writes the current quota record fire-and-forget; storage errors
// are dropped, never surfaced to the dispatch path.
func (q *quotaTracker) persist(ctx context.Context, k *keyState) {
	if q.store == nil {
		return
	}
	rec := quotaRecord{QuotaUsed: k.quotaUsed, PeriodStart: k.periodStart.UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	go func(raw []byte, id string, ttl int) {
		if err := q.store.Set(context.Background(), storageKey(id), raw, ttl); err != nil {
			q.log.Warn().Err(err).Str("key_id", id).Msg("quota persist failed, dropping")
		}
	}(raw, k.cfg.ID, q.ttlSeconds(k.cfg.Quota.Kind))
}

// load reads any persisted record for k on startup. Malformed data is
// discarded and the in-memory state left at its freshly-constructed zero
// value. Must be called before k is exposed to dispatch.
func (q *quotaTracker) load(ctx context.Context, k *keyState) {
	if q.store == nil {
		return
	}
	raw, err := q.store.Get(ctx, storageKey(k.cfg.ID))
	if err != nil {
		q.log.Warn().Err(err).Str("key_id", k.cfg.ID).Msg("quota load failed, starting fresh")
		return
	}
	if raw == nil {
		return
	}
	var rec quotaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		q.log.Warn().Err(err).Str("key_id", k.cfg.ID).Msg("malformed persisted quota record, discarding")
		return
	}
	k.quotaUsed = rec.QuotaUsed
	k.periodStart = rec.PeriodStart
}

func storageKey(id string) string {
	return fmt.Sprintf("quota:%s", id)
}
