package store

import (
	"context"
	"time"
)

// CancellationStore holds short-lived per-ticket "please stop" markers.
// Presence of an unexpired flag means cancellation was requested; flags
// self-expire so a stale signal can never block a future run.
type CancellationStore interface {
	// Set raises the cancellation flag for a ticket. Idempotent; a repeated
	// Set refreshes the TTL.
	Set(ctx context.Context, ticketID int64, ttl time.Duration) error

	// IsSet reports whether an unexpired flag exists for the ticket.
	IsSet(ctx context.Context, ticketID int64) (bool, error)

	// Clear removes the flag, typically on normal completion so the key does
	// not linger until its TTL.
	Clear(ctx context.Context, ticketID int64) error

	// ClearAll removes the flags for every given ticket, so a re-queued,
	// previously cancelled ticket starts clean.
	ClearAll(ctx context.Context, ticketIDs []int64) error
}
