// Package snapshot persists the relay's state document to an external
// key-value store. The relay treats the store as an opaque blob collaborator:
// it functions memory-only when no store is configured, and a slow or failing
// store never blocks message delivery.
package snapshot

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("snapshot: not found")

// Store is the blob store contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores blob under key, replacing any previous value.
	Put(ctx context.Context, key string, blob []byte) error

	// Close releases the underlying resources.
	Close() error
}
