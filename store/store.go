// Package store defines the byte-store abstraction behind snapshot
// persistence (see the persist package).
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no
// prepended/appended metadata, no re-encoding, no mutation). Snapshot
// envelopes are validated strictly on restore; foreign or transformed bytes
// are treated as corruption and deleted.
package store

import (
	"context"
	"time"
)

// Store is a minimal byte store with TTLs. Must be safe for concurrent use.
// Snapshot blobs are few and comparatively large; stores tuned for many
// small entries (admission-policy caches) may refuse a write under
// pressure: that is ok=false with a nil error.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl. Non-positive ttl means no expiry.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
