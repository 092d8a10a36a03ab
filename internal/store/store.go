// Package store provides the persistent key/value backends the offline queue
// and base-state store write through. Keys are opaque strings; values are
// opaque bytes. Every backend satisfies the same Store contract.
package store

import (
	"context"
	"fmt"

	"github.com/hyperengineering/offsync/internal/types"
)

// Store is the persistent key/value contract consumed by the pipeline.
// Get returns ErrNotFound for a missing key. Remove of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// storageError tags a backend failure as a storage failure while keeping the cause.
func storageError(op, key string, err error) error {
	return fmt.Errorf("%s %q: %w: %w", op, key, types.ErrStorageFailure, err)
}
