// Package snapshot stores recovery snapshots of session contexts.
// The store is a small global side channel: it keeps at most Capacity
// snapshots and prunes the least recently updated ones on overflow.
package snapshot

import "context"

// Store defines the interface for snapshot storage operations.
type Store interface {
	// Save writes snap, stamping LastUpdated and incrementing Version,
	// then prunes the oldest snapshots beyond capacity.
	// Returns tutoring.ErrInvalidConfig-wrapped error if snap is not Valid.
	Save(ctx context.Context, snap *Snapshot) error

	// Get retrieves the snapshot for a session.
	// Returns nil if the snapshot is not found (not an error).
	Get(ctx context.Context, sessionID string) (*Snapshot, error)

	// Delete removes the snapshot for a session.
	Delete(ctx context.Context, sessionID string) error

	// Len returns the number of stored snapshots.
	Len(ctx context.Context) (int, error)

	// Close closes the store and releases any resources.
	Close() error
}
