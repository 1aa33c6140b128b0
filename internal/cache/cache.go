// Package cache provides key/value stores whose entries become unavailable
// once their time-to-live elapses.
package cache

import (
	"context"
	"time"
)

// Cache stores values of type V under string keys with per-entry expiry.
//
// Implementations must be safe for concurrent use. Eviction is time driven;
// callers never delete entries explicitly.
type Cache[V any] interface {
	// Set stores value under key. The entry becomes unavailable once ttl has
	// elapsed.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error

	// Get returns the value stored under key. The boolean is false if the key
	// was never set or its ttl has elapsed.
	Get(ctx context.Context, key string) (V, bool, error)
}

// Clock returns the current time. Tests substitute it to move time forward.
type Clock func() time.Time
