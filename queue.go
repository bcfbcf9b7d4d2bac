package keymux

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keymux/keymux/internal/clock"
)

const deadlineTickInterval = 100 * time.Millisecond

// queueItem is one pending request. execute is invoked by the single
// worker once dispatched; fail is invoked instead if the deadline ticker
// reaps it first. Neither is ever called more than once, enforced by the
// queue's mutex guarding removal.
type queueItem struct {
	id        string
	queuedAt  time.Time
	maxWaitMs int64
	execute   func()
	fail      func(err error)
}

// requestQueue is the bounded FIFO from §4.5. UUIDs stamp each item purely
// for log correlation; they play no role in FIFO ordering.
type requestQueue struct {
	clock   clock.Clock
	log     zerolog.Logger
	maxSize int

	mu     sync.Mutex
	items  *list.List // of *queueItem
	closed bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newRequestQueue(c clock.Clock, log zerolog.Logger, maxSize int) *requestQueue {
	q := &requestQueue{
		clock:  c,
		log:    log,
		maxSize: maxSize,
		items:  list.New(),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.tickDeadlines()
	return q
}

// wakeUp signals a blocked worker that new work (or a newly-visible
// deadline) may be available.
func (q *requestQueue) wakeUp() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// waitForWork blocks until wakeUp is called, a poll interval elapses, or
// stop fires — whichever first gives the worker a reason to re-check the
// queue.
func (q *requestQueue) waitForWork(stop <-chan struct{}) {
	select {
	case <-q.notify:
	case <-time.After(deadlineTickInterval):
	case <-stop:
	}
}

// newID stamps a queued request with a correlation id for logging.
func newID() string {
	return uuid.NewString()
}

// enqueue appends item, or fails immediately with QueueFullError if the
// queue is at capacity.
func (q *requestQueue) enqueue(item *queueItem) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return ErrShutdown
	}

	size := q.items.Len()
	if size >= q.maxSize {
		q.mu.Unlock()
		q.log.Warn().Int("queue_size", size).Int("max_queue_size", q.maxSize).Msg("queue full, rejecting request")
		return &QueueFullError{
			QueueSize:    size,
			MaxQueueSize: q.maxSize,
			RetryAfterMs: retryAfterForSize(q.maxSize),
		}
	}

	q.items.PushBack(item)
	q.mu.Unlock()
	q.wakeUp()
	return nil
}

// dequeue pops the head, skipping (and failing) any items whose deadline
// has already passed, and returns the first live item found, if any.
func (q *requestQueue) dequeue() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for {
		front := q.items.Front()
		if front == nil {
			return nil
		}
		item := front.Value.(*queueItem)
		q.items.Remove(front)

		waited := now.Sub(item.queuedAt).Milliseconds()
		if waited >= item.maxWaitMs {
			q.failLocked(item, waited)
			continue
		}
		return item
	}
}

func (q *requestQueue) failLocked(item *queueItem, waitedMs int64) {
	err := &QueueTimeoutError{
		WaitedMs:     waitedMs,
		RetryAfterMs: retryAfterForSize(q.items.Len()),
		QueueSize:    q.items.Len(),
	}
	q.log.Debug().Str("request_id", item.id).Int64("waited_ms", waitedMs).Msg("request timed out waiting in queue")
	go item.fail(err)
}

// size returns the current pending count.
func (q *requestQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// clear fails every pending request with err, used on shutdown.
func (q *requestQueue) clear(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.items.Front(); e != nil; e = e.Next() {
		item := e.Value.(*queueItem)
		go item.fail(err)
	}
	q.items.Init()
}

// shutdown marks the queue closed, refusing further enqueue, and fails any
// pending requests with ErrShutdown.
func (q *requestQueue) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.clear(ErrShutdown)
	close(q.stop)
	<-q.done
}

// tickDeadlines runs for the queue's lifetime, reaping expired requests at
// a fixed interval. Correctness does not depend on the exact interval —
// only on the guarantee that an expired request is never later dispatched.
func (q *requestQueue) tickDeadlines() {
	defer close(q.done)

	ticker := time.NewTicker(deadlineTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.reapExpired()
		}
	}
}

func (q *requestQueue) reapExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return
	}
	now := q.clock.Now()

	var next *list.Element
	for e := q.items.Front(); e != nil; e = next {
		next = e.Next()
		item := e.Value.(*queueItem)
		waited := now.Sub(item.queuedAt).Milliseconds()
		if waited >= item.maxWaitMs {
			q.items.Remove(e)
			q.failLocked(item, waited)
		}
	}
}

func retryAfterForSize(size int) int64 {
	v := int64(size) * 1000
	if v < 1000 {
		v = 1000
	}
	return v
}
