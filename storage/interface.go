package storage

import (
	"context"
	"io"
)

// Store is the local durable key-value store coordination state is applied
// onto. All writes arrive through the replicated state machine, one at a
// time, so implementations only need single-writer atomicity per call.
type Store interface {
	// Get retrieves a value by key.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// SetIfAbsent stores the pair only when the key does not exist yet.
	// Returns true when the write happened, false when the key was taken.
	SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan visits every key with the given prefix in ascending key order.
	// Returning an error from fn stops the scan and surfaces that error.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Snapshot streams the full store contents to w.
	Snapshot(w io.Writer) error

	// Restore replaces the store contents with a stream produced by Snapshot.
	Restore(r io.Reader) error

	// Close releases the store.
	Close() error
}
