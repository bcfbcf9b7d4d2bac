// Package storage defines the pluggable key/value contract the dispatcher
// uses to persist quota counters across restarts, plus the concrete
// implementations it ships with.
package storage

import "context"

// Storage is an opaque key/value store with optional per-key TTL. It backs
// quota persistence only — it is never used for mutual exclusion, and
// implementations must treat unknown keys as a (nil, nil) miss rather than
// an error.
type Storage interface {
	// Get returns the stored value for key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttlSeconds <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
