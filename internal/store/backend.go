package store

import "context"

// Backend persists payloads together with their records.
//
// Implementations must make Write atomic: a concurrent or later Read sees
// either the previous payload and record or the new ones, never a mix.
// Per-key serialization is provided by Store; backends only need to be
// safe for concurrent use on different locations.
type Backend interface {
	// Write stores payload and rec at rec.Location, replacing any previous entry.
	Write(ctx context.Context, rec Record, payload []byte) error

	// Read returns the payload stored for rec. It returns an error wrapping
	// errs.ErrNotFound when nothing is stored and errs.ErrCorrupted when the
	// stored bytes fail verification.
	Read(ctx context.Context, rec Record) ([]byte, error)

	// Remove deletes the entry at location. Removing a missing entry is not an error.
	Remove(ctx context.Context, location string) error

	// Scan calls fn for every persisted record. Payloads are not read.
	Scan(ctx context.Context, fn func(Record) error) error

	// Close releases backend resources.
	Close() error
}
