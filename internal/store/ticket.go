package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/google/uuid"
)

// TicketStore mutates the queue fields the dispatcher owns on ticket records
// (queue_status, queued_at, queue_task_id). The workflow status column is
// never written except through ResetForRetry.
type TicketStore interface {
	// MarkQueued sets queue_status=queued with the batch task ID and
	// timestamp for every given ticket, in one transaction.
	MarkQueued(ctx context.Context, ticketIDs []int64, taskID uuid.UUID, queuedAt time.Time) error

	// MarkExecuting sets queue_status=executing for the ticket.
	// A missing ticket is treated as a no-op.
	MarkExecuting(ctx context.Context, ticketID int64) error

	// ClearQueueState resets the ticket to queue_status=none and nulls
	// queued_at/queue_task_id. Idempotent.
	ClearQueueState(ctx context.Context, ticketID int64) error

	// ClearQueueStateAll resets every given ticket in one statement.
	ClearQueueStateAll(ctx context.Context, ticketIDs []int64) error

	// ResetForRetry moves blocked/failed tickets back to pending, since
	// re-queueing implies a retry. Tickets in other states are untouched.
	// Returns the IDs of the tickets that were actually reset.
	ResetForRetry(ctx context.Context, ticketIDs []int64) ([]int64, error)

	// GetQueueState loads the dispatcher's view of a ticket.
	// Returns ErrTicketNotFound when the record does not exist.
	GetQueueState(ctx context.Context, ticketID int64) (*domain.Ticket, error)

	// WithTx returns a new TicketStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) TicketStore
}
