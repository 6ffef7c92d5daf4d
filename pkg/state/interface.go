// Package state provides durable storage for registry state snapshots.
package state

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no data exists for the requested name.
// Callers decide whether that is fatal; the authority treats a missing
// snapshot as an empty directory.
var ErrNotFound = errors.New("state not found")

// Store defines the interface for state storage operations
type Store interface {
	// GetReader returns a reader for the state data
	// This is useful for streaming large state data
	GetReader(ctx context.Context, name string) (io.ReadCloser, error)

	// GetWriter returns a writer for the state data
	// This is useful for streaming large state data
	GetWriter(ctx context.Context, name string) (io.WriteCloser, error)

	// Delete removes the data for the given name
	Delete(ctx context.Context, name string) error

	// List returns all available state names
	List(ctx context.Context) ([]string, error)

	// Exists checks if data exists for the given name
	Exists(ctx context.Context, name string) (bool, error)
}
