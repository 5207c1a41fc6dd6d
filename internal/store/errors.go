package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the
	// store. This is a generic version of the entity-specific not found
	// errors (e.g., ErrBatchNotFound, ErrTicketNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate of
	// a unique entity (e.g., a batch with an already-used task ID).
	ErrDuplicate = errors.New("entity already exists")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Dispatcher operations translate this into a safe default rather than
	// propagating it to callers.
	ErrUnavailable = errors.New("store unavailable")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrBatchNotFound indicates that no live batch matches the query
	// (for example an empty queue on Pop, or a remove() miss).
	ErrBatchNotFound = fmt.Errorf("%w: batch", ErrNotFound)

	// ErrTicketNotFound indicates that the requested ticket record does not exist.
	ErrTicketNotFound = fmt.Errorf("%w: ticket", ErrNotFound)

	// ErrLockNotHeld indicates that a renew or release targeted a lock the
	// caller does not hold (expired, stolen, or never acquired).
	ErrLockNotHeld = errors.New("project lock not held")
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
