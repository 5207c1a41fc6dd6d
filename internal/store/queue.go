package store

import (
	"context"

	"github.com/forgeloop/dispatch-api/internal/domain"
)

// ProjectQueue describes a project's standing in the durable queue.
type ProjectQueue struct {
	// Position is the 1-indexed queue position of the first batch that
	// contains this project. Zero when the project has no queued batch.
	Position int

	// TicketIDs are all of the project's queued ticket IDs, in execution order.
	TicketIDs []int64
}

// QueueStore is the durable, crash-tolerant batch queue shared by every
// dispatcher process. Batches are FIFO-ordered; mutations are atomic.
type QueueStore interface {
	// Append adds a batch at the tail of the queue.
	Append(ctx context.Context, batch *domain.Batch) error

	// Pop atomically removes and returns the head batch.
	// Returns ErrBatchNotFound when the queue is empty.
	Pop(ctx context.Context) (*domain.Batch, error)

	// RemoveTicket removes the ticket from the first batch containing the
	// (projectID, ticketID) pair. An emptied batch is deleted; otherwise the
	// mutated batch is re-appended at the tail, so its relative FIFO
	// position among other batches may shift. Returns the batch as it was
	// found, or ErrBatchNotFound.
	RemoveTicket(ctx context.Context, projectID, ticketID int64) (*domain.Batch, error)

	// Find reports the queue standing of the given project.
	// Returns ErrBatchNotFound when the project has no queued batch.
	Find(ctx context.Context, projectID int64) (*ProjectQueue, error)

	// Length returns the number of live batches.
	Length(ctx context.Context) (int, error)

	// TotalTickets returns the number of ticket IDs across all live batches.
	TotalTickets(ctx context.Context) (int, error)

	// HasProject reports whether any live batch targets the project.
	HasProject(ctx context.Context, projectID int64) (bool, error)

	// Clear deletes every batch. Operator-only, destructive.
	Clear(ctx context.Context) error
}
