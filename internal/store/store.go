// Package store provides the key-value byte store that backs chat sessions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrKeyNotFound is returned by Get when the key has never been set or was removed.
var ErrKeyNotFound = fmt.Errorf("key %w", errdefs.ErrNotFound)

// KV defines a persistent key-value byte store.
type KV interface {
	// Get returns the value stored under key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases the underlying medium.
	Close() error
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errdefs.IsNotFound(err)
}
