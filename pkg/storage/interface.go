package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when nothing is stored at the path
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the backend cannot be reached or was closed
	ErrUnavailable = errors.New("store unavailable")
)

// UpdateFunc computes the new value of a path from its current one.
// current is nil when the path is absent. Returning an error aborts the
// update without writing anything.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a hierarchical key-value store. Paths are slash-separated; the
// parent of a path is everything before its last segment. Every child
// carries an integer priority that List orders by.
// Implementations: memory (testing), badger (single node), redis and postgres (shared)
type Store interface {
	// Get returns the value stored at path or ErrNotFound
	Get(ctx context.Context, path string) ([]byte, error)

	// Set overwrites the value at path. The child keeps priority 0.
	Set(ctx context.Context, path string, value []byte) error

	// SetWithPriority overwrites the value and priority at path and reports
	// whether the path did not exist before.
	SetWithPriority(ctx context.Context, path string, value []byte, priority int64) (created bool, err error)

	// Update atomically replaces the value at path with fn(current).
	// Concurrent updates of the same path never lose a write.
	Update(ctx context.Context, path string, priority int64, fn UpdateFunc) (created bool, err error)

	// Delete removes the value at path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// List returns children of parent with priority <= endAt, lowest
	// priority first, at most limit entries (0 = no limit).
	List(ctx context.Context, parent string, limit int, endAt int64) ([]Entry, error)

	// Close cleanly shuts down the store
	Close() error
}

// Entry is one child returned by List
type Entry struct {
	Path     string
	Key      string
	Priority int64
	Value    []byte
}
