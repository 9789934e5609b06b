// Package idempotency provides deduplication of externally delivered events.
package idempotency

import (
	"context"
	"time"
)

// Store records event keys so redelivered payloads can be detected.
type Store interface {
	// MarkIfNew records key if it has not been seen within ttl. It returns
	// true when the key is new and false when it was already recorded.
	MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a later delivery is treated as new again.
	// Callers release a key they marked when the event's effects did not
	// apply. Releasing an unknown key is not an error.
	Release(ctx context.Context, key string) error
}
