package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockStore provides the per-project mutual-exclusion marker shared across
// dispatcher processes. At most one live lock exists per project system-wide;
// liveness is bounded by a TTL that holders must renew.
type LockStore interface {
	// Acquire attempts an atomic set-if-absent with TTL. An expired lock row
	// may be stolen. Returns true when this holder now owns the lock.
	Acquire(ctx context.Context, projectID int64, holder uuid.UUID, ttl time.Duration) (bool, error)

	// Renew extends the TTL of a lock this holder owns.
	// Returns ErrLockNotHeld if the lock expired or belongs to someone else.
	Renew(ctx context.Context, projectID int64, holder uuid.UUID, ttl time.Duration) error

	// Release deletes a lock this holder owns.
	// Returns ErrLockNotHeld if the lock expired or belongs to someone else.
	Release(ctx context.Context, projectID int64, holder uuid.UUID) error

	// IsHeld reports whether an unexpired lock exists for the project.
	IsHeld(ctx context.Context, projectID int64) (bool, error)

	// ForceRelease unconditionally deletes the project's lock, whoever holds
	// it. Operator safety valve: it can break the exclusion invariant if a
	// legitimate holder is still active. Returns true if a lock was deleted.
	ForceRelease(ctx context.Context, projectID int64) (bool, error)

	// HeldProjects returns the IDs of all projects with an unexpired lock.
	HeldProjects(ctx context.Context) ([]int64, error)
}
