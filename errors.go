package keymux

import (
	"errors"
	"fmt"
)

// Sentinel errors, checkable with errors.Is.
var (
	// ErrNoKeysConfigured is returned by New when the key list is empty.
	ErrNoKeysConfigured = errors.New("keymux: no keys configured")

	// ErrShutdown is returned by Execute once the pool has been shut down.
	ErrShutdown = errors.New("keymux: pool is shut down")

	// ErrUnknownKey is returned by operator controls referencing an id that
	// does not exist.
	ErrUnknownKey = errors.New("keymux: unknown key id")
)

// QueueFullError is returned by Execute when the request queue is at
// capacity.
type QueueFullError struct {
	QueueSize    int
	MaxQueueSize int
	RetryAfterMs int64
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("keymux: queue full (%d/%d), retry after %dms", e.QueueSize, e.MaxQueueSize, e.RetryAfterMs)
}

// QueueTimeoutError is returned when a request's queue wait exceeds its
// maxWaitMs before being dispatched.
type QueueTimeoutError struct {
	WaitedMs     int64
	RetryAfterMs int64
	QueueSize    int
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("keymux: queue wait timed out after %dms", e.WaitedMs)
}

// AllKeysExhaustedError is returned when the executor cannot find any key
// eligible for an attempt.
type AllKeysExhaustedError struct {
	TotalKeys       int
	ExhaustedKeys   int
	CircuitOpenKeys int
	RateLimitedKeys int
	RetryAfterMs    int64
}

func (e *AllKeysExhaustedError) Error() string {
	return fmt.Sprintf("keymux: all %d keys exhausted, retry after %dms", e.TotalKeys, e.RetryAfterMs)
}

// InvalidKeyConfigError is returned synchronously from New/AddKey when a
// KeyConfig fails validation.
type InvalidKeyConfigError struct {
	KeyID  string
	Reason string
}

func (e *InvalidKeyConfigError) Error() string {
	return fmt.Sprintf("keymux: invalid key config %q: %s", e.KeyID, e.Reason)
}
