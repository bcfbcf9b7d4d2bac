package keymux

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatusLevel is the coarse health bucket from §4.7.
type HealthStatusLevel string

const (
	HealthHealthy   HealthStatusLevel = "healthy"
	HealthDegraded  HealthStatusLevel = "degraded"
	HealthCritical  HealthStatusLevel = "critical"
	HealthExhausted HealthStatusLevel = "exhausted"
)

// Warning is one per-key condition surfaced by HealthStatus.Warnings.
type Warning struct {
	KeyID    string
	Category string // quota_warning, quota_exhausted, rate_limited, circuit_open
	Message  string
}

// HealthStatus is the aggregated snapshot returned by Pool.GetHealth.
type HealthStatus struct {
	Status                  HealthStatusLevel
	AvailableKeys           int
	TotalKeys               int
	EffectiveRps            float64
	EffectiveQuotaTotal     int
	EffectiveQuotaRemaining int
	Warnings                []Warning
}

// KeyStats is the per-key observability snapshot from §6.
// QuotaRemaining is -1 for unlimited keys. RPSLimit is nil when the key has
// no configured rate.
type KeyStats struct {
	ID                  string
	QuotaUsed           int
	QuotaRemaining      int
	IsRateLimited       bool
	IsCircuitOpen       bool
	IsExhausted         bool
	CurrentRPS          float64
	RPSLimit            *float64
	ConsecutiveFailures int
	Labels              map[string]string
}

// healthMonitor computes aggregated and per-key views on demand; it holds
// no state of its own.
type healthMonitor struct {
	rateLimiter *rateLimiter
	selector    *selector
	log         zerolog.Logger
	warningThreshold float64
}

func newHealthMonitor(limiter *rateLimiter, sel *selector, log zerolog.Logger, warningThreshold float64) *healthMonitor {
	return &healthMonitor{rateLimiter: limiter, selector: sel, log: log, warningThreshold: warningThreshold}
}

func (h *healthMonitor) status(keys []*keyState) HealthStatus {
	total := len(keys)
	breakdown := h.selector.breakdown(keys)

	var effRps float64
	var quotaTotal, quotaRemaining int
	var warnings []Warning

	now := h.rateLimiter.clock.Now()

	for _, k := range keys {
		k.mu.Lock()
		h.rateLimiter.refill(k, now)

		available := k.circuitStateAt(now) != circuitOpen && k.hasQuota() &&
			!(k.cfg.RPS > 0 && k.tokens < 1) &&
			!(!k.rateLimitedUntil.IsZero() && now.Before(k.rateLimitedUntil))
		if available {
			effRps += k.cfg.RPS
		}

		if k.cfg.Quota.Kind != QuotaUnlimited {
			quotaTotal += k.cfg.Quota.Limit
			if available {
				quotaRemaining += k.quotaRemaining()
			}
		}

		warnings = append(warnings, h.keyWarnings(k, now)...)
		k.mu.Unlock()
	}

	level := statusFor(breakdown.Available, total)
	if level == HealthCritical || level == HealthExhausted {
		h.log.Warn().
			Str("status", string(level)).
			Int("available_keys", breakdown.Available).
			Int("total_keys", total).
			Msg("pool health degraded")
	}

	return HealthStatus{
		Status:                  level,
		AvailableKeys:           breakdown.Available,
		TotalKeys:               total,
		EffectiveRps:            effRps,
		EffectiveQuotaTotal:     quotaTotal,
		EffectiveQuotaRemaining: quotaRemaining,
		Warnings:                warnings,
	}
}

// keyWarnings emits up to one warning per applicable category for k, per
// §4.7. Must be called with k.mu held and tokens already refilled.
func (h *healthMonitor) keyWarnings(k *keyState, now time.Time) []Warning {
	var out []Warning

	if k.cfg.Quota.Kind != QuotaUnlimited && k.cfg.Quota.Limit > 0 {
		usage := float64(k.quotaUsed) / float64(k.cfg.Quota.Limit)
		switch {
		case usage >= 1:
			out = append(out, Warning{KeyID: k.cfg.ID, Category: "quota_exhausted",
				Message: fmt.Sprintf("key %s has exhausted its quota (%d/%d)", k.cfg.ID, k.quotaUsed, k.cfg.Quota.Limit)})
		case usage >= h.warningThreshold && h.warningThreshold > 0:
			out = append(out, Warning{KeyID: k.cfg.ID, Category: "quota_warning",
				Message: fmt.Sprintf("key %s at %.0f%% of quota", k.cfg.ID, usage*100)})
		}
	}

	if !k.rateLimitedUntil.IsZero() && now.Before(k.rateLimitedUntil) {
		secs := k.rateLimitedUntil.Sub(now).Seconds()
		out = append(out, Warning{KeyID: k.cfg.ID, Category: "rate_limited",
			Message: fmt.Sprintf("key %s rate-limited for %.0fs", k.cfg.ID, secs)})
	}

	if k.circuitStateAt(now) == circuitOpen {
		secs := k.circuitOpenUntil.Sub(now).Seconds()
		out = append(out, Warning{KeyID: k.cfg.ID, Category: "circuit_open",
			Message: fmt.Sprintf("key %s circuit open, resets in %.0fs", k.cfg.ID, secs)})
	}

	return out
}

func statusFor(available, total int) HealthStatusLevel {
	if total == 0 || available == 0 {
		return HealthExhausted
	}
	ratio := float64(available) / float64(total)
	switch {
	case ratio < 0.2:
		return HealthCritical
	case ratio < 0.5:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (h *healthMonitor) keyStats(k *keyState) KeyStats {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := h.rateLimiter.clock.Now()
	h.rateLimiter.refill(k, now)

	stats := KeyStats{
		ID:                  k.cfg.ID,
		QuotaUsed:           k.quotaUsed,
		QuotaRemaining:      k.quotaRemaining(),
		IsRateLimited:       !k.rateLimitedUntil.IsZero() && now.Before(k.rateLimitedUntil),
		IsCircuitOpen:       k.circuitStateAt(now) == circuitOpen,
		IsExhausted:         !k.hasQuota(),
		CurrentRPS:          h.rateLimiter.currentRps(k),
		ConsecutiveFailures: k.consecutiveFailures,
		Labels:              k.cfg.Labels,
	}
	if k.cfg.RPS > 0 {
		rps := k.cfg.RPS
		stats.RPSLimit = &rps
	}
	return stats
}
