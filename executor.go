package keymux

import (
	"context"
	"time"
)

// Classifier bundles the caller-supplied predicates and extractors the
// executor needs to interpret a response of type R. This is the generic
// resolution of the "dynamic dispatch over responses" design note: a type
// parameter plus a small classifier bundle, rather than untyped predicates
// over interface{}.
type Classifier[R any] struct {
	// IsRateLimited reports whether response indicates the key is
	// temporarily rate-limited by the remote side.
	IsRateLimited func(response R) bool

	// IsError reports whether response indicates a retryable failure.
	IsError func(response R) bool

	// IsSuccess is accepted for forward-compatibility but never consulted;
	// success is inferred as "not rate-limited and not error" (see the
	// spec's Open Question on this).
	IsSuccess func(response R) bool

	// GetRetryAfter extracts a Retry-After value in seconds, or nil.
	GetRetryAfter func(response R) *int

	// GetQuotaRemaining extracts a remaining-quota count, or nil.
	GetQuotaRemaining func(response R) *int
}

func (c Classifier[R]) isRateLimited(r R) bool {
	if c.IsRateLimited == nil {
		return false
	}
	return safeBool(func() bool { return c.IsRateLimited(r) })
}

func (c Classifier[R]) isError(r R) bool {
	if c.IsError == nil {
		return false
	}
	return safeBool(func() bool { return c.IsError(r) })
}

// safeBool treats a panicking predicate as returning false, so a
// misbehaving caller-supplied predicate cannot corrupt dispatching.
func safeBool(f func() bool) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()
	return f()
}

// ExecuteOptions configures one call to Execute.
type ExecuteOptions struct {
	// MaxWaitMs bounds queue wait only. Zero uses the pool's default.
	MaxWaitMs int64

	// MaxRetries bounds attempts across distinct keys. Zero uses the
	// pool's default (the number of registered keys).
	MaxRetries int
}

// RequestFunc is the caller's outbound call, invoked with the chosen key's
// secret value.
type RequestFunc[R any] func(ctx context.Context, keyValue string) (R, error)

// Execute submits fn to p's queue and runs the retry/rotation loop from
// §4.6 once dispatched, trying a different key on every retryable outcome
// up to the retry bound.
//
// Execute is a package-level generic function rather than a method because
// Go methods cannot carry their own type parameters; Pool itself stays
// concrete so one pool can serve callers with different response types.
func Execute[R any](ctx context.Context, p *Pool, classifier Classifier[R], fn RequestFunc[R], opts ExecuteOptions) (R, error) {
	var zero R

	if err := p.awaitReady(ctx); err != nil {
		return zero, err
	}
	if p.isShutdown() {
		return zero, ErrShutdown
	}

	maxWaitMs := opts.MaxWaitMs
	if maxWaitMs <= 0 {
		maxWaitMs = p.defaultMaxWaitMs
	}

	type outcome struct {
		resp R
		err  error
	}
	resultCh := make(chan outcome, 1)

	item := &queueItem{
		id:        newID(),
		queuedAt:  p.clock.Now(),
		maxWaitMs: maxWaitMs,
	}
	item.execute = func() {
		resp, err := runAttempts(ctx, p, classifier, fn, opts.MaxRetries)
		resultCh <- outcome{resp: resp, err: err}
	}
	item.fail = func(err error) {
		resultCh <- outcome{err: err}
	}

	if err := p.queue.enqueue(item); err != nil {
		return zero, err
	}

	res := <-resultCh
	return res.resp, res.err
}

// runAttempts implements §4.6's retry loop for one dequeued request: select
// a key not yet tried, consume a token, invoke fn, classify the outcome,
// and either resolve or rotate to another key.
func runAttempts[R any](ctx context.Context, p *Pool, classifier Classifier[R], fn RequestFunc[R], maxRetries int) (R, error) {
	var zero R

	if maxRetries <= 0 {
		maxRetries = p.keyCount()
	}

	tried := make(map[string]bool, maxRetries)
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		k, ok := p.selector.selectKey(p.orderedKeys(), tried)
		if !ok {
			p.log.Warn().Int("attempt", attempt).Int("tried", len(tried)).Msg("all keys exhausted for request")
			p.fireAllKeysExhausted()
			return zero, p.allKeysExhaustedError()
		}
		tried[k.cfg.ID] = true

		k.mu.Lock()
		consumed := p.rateLimiter.tryConsume(k)
		k.mu.Unlock()
		if !consumed {
			// Raced out of tokens between selection and consumption; this
			// does not count as a substantive attempt against the key.
			p.log.Debug().Str("key_id", k.cfg.ID).Msg("raced out of tokens, not a substantive attempt")
			continue
		}

		p.log.Debug().Str("key_id", k.cfg.ID).Int("attempt", attempt).Msg("invoking request function")
		resp, err := fn(ctx, k.cfg.Value)

		if err != nil {
			p.log.Debug().Err(err).Str("key_id", k.cfg.ID).Msg("request function returned an error")
			k.mu.Lock()
			p.breaker.recordFailure(k)
			k.mu.Unlock()
			lastErr = err
			continue
		}

		if classifier.isRateLimited(resp) {
			k.mu.Lock()
			if retryAfter := safeRetryAfter(classifier, resp); retryAfter != nil {
				k.rateLimitedUntil = p.clock.Now().Add(time.Duration(*retryAfter) * time.Second)
			} else {
				k.rateLimitedUntil = p.clock.Now().Add(60 * time.Second)
			}
			k.mu.Unlock()
			p.log.Debug().Str("key_id", k.cfg.ID).Time("rate_limited_until", k.rateLimitedUntil).Msg("response classified as rate-limited")
			continue
		}

		if classifier.isError(resp) {
			p.log.Debug().Str("key_id", k.cfg.ID).Msg("response classified as error")
			k.mu.Lock()
			p.breaker.recordFailure(k)
			k.mu.Unlock()
			continue
		}

		// Success: not rate-limited, not error.
		k.mu.Lock()
		p.breaker.recordSuccess(k)
		k.rateLimitedUntil = time.Time{}
		k.lastUsed = p.clock.Now()
		p.quotaTracker.increment(ctx, k, 1)
		if classifier.GetQuotaRemaining != nil {
			if remaining := safeQuotaRemaining(classifier, resp); remaining != nil {
				p.quotaTracker.syncFromResponse(ctx, k, *remaining)
			}
		}
		k.mu.Unlock()

		p.log.Debug().Str("key_id", k.cfg.ID).Int("attempt", attempt).Msg("request succeeded")
		return resp, nil
	}

	if lastErr != nil {
		return zero, lastErr
	}
	p.log.Warn().Int("tried", len(tried)).Msg("retry bound reached without success or error")
	p.fireAllKeysExhausted()
	return zero, p.allKeysExhaustedError()
}

// safeRetryAfter guards against a panicking GetRetryAfter extractor.
func safeRetryAfter[R any](c Classifier[R], r R) (result *int) {
	if c.GetRetryAfter == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			result = nil
		}
	}()
	return c.GetRetryAfter(r)
}

// safeQuotaRemaining guards against a panicking GetQuotaRemaining extractor.
func safeQuotaRemaining[R any](c Classifier[R], r R) (result *int) {
	defer func() {
		if recover() != nil {
			result = nil
		}
	}()
	return c.GetQuotaRemaining(r)
}
