// Package keymux implements a credential-multiplexing dispatcher: it fronts
// a set of outbound API credentials, selects an eligible one per request,
// enforces per-key rate and quota limits, rotates on failure, runs per-key
// circuit breakers, queues overflow traffic, and exposes live pool health.
package keymux

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/keymux/keymux/internal/clock"
	"github.com/keymux/keymux/pkg/storage"
)

const (
	defaultMaxQueueSize     = 1000
	defaultMaxWaitMsValue   = 30000
	defaultFailureThreshold = 5
	defaultResetTimeoutMs   = 30000
	defaultWarningThreshold = 0.8
)

// Config configures a Pool. Keys must be non-empty and pass validation;
// everything else has a sensible default.
type Config struct {
	Keys []KeyConfig

	// Store persists quota counters. Defaults to an in-memory store.
	Store storage.Storage

	// Clock supplies time; defaults to the real system clock. Tests inject
	// a clock.Mock to drive rollover/refill/breaker-timeout scenarios.
	Clock clock.Clock

	// Logger receives structured lifecycle and warning events.
	Logger zerolog.Logger

	MaxQueueSize     int
	DefaultMaxWaitMs int64
	FailureThreshold int
	ResetTimeoutMs   int64
	WarningThreshold float64

	OnWarning          func(keyID string, usagePercent float64)
	OnKeyExhausted     func(keyID string)
	OnKeyCircuitOpen   func(keyID string)
	OnAllKeysExhausted func()
}

// Pool is the dispatcher facade: it wires the RateLimiter, QuotaTracker,
// CircuitBreaker, Selector, Queue, and HealthMonitor over a collection of
// KeyStates it owns. None of those components references Pool, and
// KeyState references none of them: each operates on the *keyState the
// pool passes in on every call.
type Pool struct {
	mu     sync.Mutex
	keys   map[string]*keyState
	order  []string // registration order, for weighted round-robin

	clock clock.Clock
	store storage.Storage
	log   zerolog.Logger

	rateLimiter  *rateLimiter
	quotaTracker *quotaTracker
	breaker      *circuitBreaker
	selector     *selector
	queue        *requestQueue
	health       *healthMonitor

	defaultMaxWaitMs int64

	onAllKeysExhausted func()

	ready       chan struct{}
	shutdownFlag atomic.Bool

	workerStop chan struct{}
	workerDone chan struct{}
}

// New constructs a Pool from cfg. Configuration errors (empty key list,
// invalid or duplicate KeyConfig) are returned synchronously.
func New(cfg Config) (*Pool, error) {
	if len(cfg.Keys) == 0 {
		return nil, ErrNoKeysConfigured
	}

	seen := make(map[string]bool, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if err := k.validate(); err != nil {
			return nil, err
		}
		if seen[k.ID] {
			return nil, &InvalidKeyConfigError{KeyID: k.ID, Reason: "duplicate id"}
		}
		seen[k.ID] = true
	}

	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	store := cfg.Store
	if store == nil {
		store = storage.NewMemory(0)
	}
	maxQueueSize := cfg.MaxQueueSize
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	defaultMaxWaitMs := cfg.DefaultMaxWaitMs
	if defaultMaxWaitMs <= 0 {
		defaultMaxWaitMs = defaultMaxWaitMsValue
	}
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	resetTimeoutMs := cfg.ResetTimeoutMs
	if resetTimeoutMs <= 0 {
		resetTimeoutMs = defaultResetTimeoutMs
	}
	warningThreshold := cfg.WarningThreshold
	if warningThreshold <= 0 {
		warningThreshold = defaultWarningThreshold
	}
	log := cfg.Logger

	rl := newRateLimiter(c)
	qt := newQuotaTracker(c, store, log, warningThreshold)
	qt.onWarning = cfg.OnWarning
	qt.onKeyExhausted = cfg.OnKeyExhausted

	cb := newCircuitBreaker(c, log, failureThreshold, time.Duration(resetTimeoutMs)*time.Millisecond)
	cb.onOpen = cfg.OnKeyCircuitOpen

	sel := newSelector(c, rl, log)
	hm := newHealthMonitor(rl, sel, log, warningThreshold)

	p := &Pool{
		keys:               make(map[string]*keyState, len(cfg.Keys)),
		clock:              c,
		store:              store,
		log:                log,
		rateLimiter:        rl,
		quotaTracker:       qt,
		breaker:            cb,
		selector:           sel,
		health:             hm,
		defaultMaxWaitMs:   defaultMaxWaitMs,
		onAllKeysExhausted: cfg.OnAllKeysExhausted,
		ready:              make(chan struct{}),
		workerStop:         make(chan struct{}),
		workerDone:         make(chan struct{}),
	}
	p.queue = newRequestQueue(c, p.log, maxQueueSize)

	for _, kc := range cfg.Keys {
		ks := newKeyState(kc, c.Now())
		p.keys[kc.ID] = ks
		p.order = append(p.order, kc.ID)
	}

	go p.loadInitialState()
	go p.runWorker()

	p.log.Info().Int("key_count", len(p.order)).Int("max_queue_size", maxQueueSize).Msg("pool constructed")

	return p, nil
}

// loadInitialState reads any persisted quota record for every key before
// the ready gate opens, per §5's "initial state load barrier."
func (p *Pool) loadInitialState() {
	ctx := context.Background()
	p.mu.Lock()
	keys := p.orderedKeysLocked()
	p.mu.Unlock()

	for _, k := range keys {
		k.mu.Lock()
		p.quotaTracker.load(ctx, k)
		k.mu.Unlock()
	}
	close(p.ready)
}

// awaitReady blocks until initial state load has completed, or ctx is
// cancelled first.
func (p *Pool) awaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) isShutdown() bool {
	return p.shutdownFlag.Load()
}

// runWorker is the single dispatch worker from §5's model (b): it drains
// the queue one request at a time, calling each item's execute closure,
// which is the only unbounded suspension point.
func (p *Pool) runWorker() {
	defer close(p.workerDone)
	for {
		select {
		case <-p.workerStop:
			return
		default:
		}

		item := p.queue.dequeue()
		if item == nil {
			p.queue.waitForWork(p.workerStop)
			continue
		}
		item.execute()
	}
}

func (p *Pool) orderedKeys() []*keyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.orderedKeysLocked()
}

func (p *Pool) orderedKeysLocked() []*keyState {
	out := make([]*keyState, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.keys[id])
	}
	return out
}

func (p *Pool) keyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *Pool) fireAllKeysExhausted() {
	if p.onAllKeysExhausted != nil {
		func() {
			defer func() { recover() }()
			p.onAllKeysExhausted()
		}()
	}
}

func (p *Pool) allKeysExhaustedError() error {
	keys := p.orderedKeys()
	b := p.selector.breakdown(keys)
	return &AllKeysExhaustedError{
		TotalKeys:       len(keys),
		ExhaustedKeys:   b.QuotaExhausted,
		CircuitOpenKeys: b.CircuitOpen,
		RateLimitedKeys: b.RateLimited,
		RetryAfterMs:    p.selector.nextAvailableTime(keys),
	}
}

// GetHealth returns the aggregated health snapshot from §4.7.
func (p *Pool) GetHealth() HealthStatus {
	return p.health.status(p.orderedKeys())
}

// GetKeyStats returns the observability snapshot for one key.
func (p *Pool) GetKeyStats(id string) (KeyStats, bool) {
	p.mu.Lock()
	k, ok := p.keys[id]
	p.mu.Unlock()
	if !ok {
		return KeyStats{}, false
	}
	return p.health.keyStats(k), true
}

// GetAllKeyStats returns stats for every registered key, in registration
// order.
func (p *Pool) GetAllKeyStats() []KeyStats {
	keys := p.orderedKeys()
	out := make([]KeyStats, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.health.keyStats(k))
	}
	return out
}

// GetQueueSize returns the current pending request count.
func (p *Pool) GetQueueSize() int {
	return p.queue.size()
}

// AddKey registers a new key at runtime. Duplicate ids are rejected.
func (p *Pool) AddKey(cfg KeyConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.keys[cfg.ID]; exists {
		return &InvalidKeyConfigError{KeyID: cfg.ID, Reason: "duplicate id"}
	}

	ks := newKeyState(cfg, p.clock.Now())
	p.keys[cfg.ID] = ks
	p.order = append(p.order, cfg.ID)

	go func() {
		ctx := context.Background()
		ks.mu.Lock()
		p.quotaTracker.load(ctx, ks)
		ks.mu.Unlock()
	}()

	p.log.Info().Str("key_id", cfg.ID).Msg("key added")

	return nil
}

// RemoveKey unregisters a key. Unknown ids are a no-op error.
func (p *Pool) RemoveKey(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.keys[id]; !ok {
		return ErrUnknownKey
	}
	delete(p.keys, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.log.Info().Str("key_id", id).Msg("key removed")
	return nil
}

// CloseCircuit forces a key's circuit breaker closed.
func (p *Pool) CloseCircuit(id string) error {
	return p.withKey(id, func(k *keyState) { p.breaker.forceClose(k) })
}

// OpenCircuit forces a key's circuit breaker open.
func (p *Pool) OpenCircuit(id string) error {
	return p.withKey(id, func(k *keyState) { p.breaker.forceOpen(k) })
}

// ResetQuota clears a key's quota usage and starts a fresh period.
func (p *Pool) ResetQuota(id string) error {
	return p.withKey(id, func(k *keyState) { p.quotaTracker.resetQuota(context.Background(), k) })
}

// UpdateKeyWeight changes a key's selection weight at runtime, a dynamic
// configuration operation supplementing §6's addKey/removeKey.
func (p *Pool) UpdateKeyWeight(id string, weight int) error {
	if weight <= 0 {
		return &InvalidKeyConfigError{KeyID: id, Reason: "weight must be positive"}
	}
	return p.withKey(id, func(k *keyState) { k.cfg.Weight = weight })
}

func (p *Pool) withKey(id string, fn func(k *keyState)) error {
	p.mu.Lock()
	k, ok := p.keys[id]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	fn(k)
	return nil
}

// Keys returns observability stats for every registered key; a read-style
// convenience alongside GetAllKeyStats.
func (p *Pool) Keys() []KeyStats {
	return p.GetAllKeyStats()
}

// Stats is a convenience wrapper combining health and per-key stats.
type Stats struct {
	Health HealthStatus
	Keys   []KeyStats
}

// Stats returns the pool-level snapshot combining GetHealth and
// GetAllKeyStats.
func (p *Pool) Stats() Stats {
	return Stats{Health: p.GetHealth(), Keys: p.GetAllKeyStats()}
}

// Shutdown drains pending requests with ErrShutdown and refuses further
// dispatch. In-flight caller invocations complete naturally.
func (p *Pool) Shutdown() {
	if !p.shutdownFlag.CompareAndSwap(false, true) {
		return
	}
	p.log.Info().Msg("pool shutting down")
	close(p.workerStop)
	<-p.workerDone
	p.queue.shutdown()
}
