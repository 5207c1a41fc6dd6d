package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for Batch
var (
	ErrEmptyBatch         = errors.New("batch must contain at least one ticket")
	ErrInvalidProjectID   = errors.New("batch project ID must be positive")
	ErrDuplicateTicketIDs = errors.New("batch ticket IDs must be unique")
)

// Batch is an ordered group of ticket IDs for one project, dispatched and
// executed together. While a batch is in the queue its ticket list is never
// empty; removing the last ticket deletes the batch.
type Batch struct {
	TaskID         uuid.UUID `json:"task_id"`
	ProjectID      int64     `json:"project_id"`
	TicketIDs      []int64   `json:"ticket_ids"`
	ConversationID *int64    `json:"conversation_id,omitempty"`
	QueuedAt       time.Time `json:"queued_at"`
}

// NewBatch creates a new Batch for the given project with a fresh task ID.
// The ticket order is preserved: it is the order tickets will execute in.
// Returns an error if validation fails.
func NewBatch(projectID int64, ticketIDs []int64, conversationID *int64) (*Batch, error) {
	batch := &Batch{
		TaskID:         uuid.New(),
		ProjectID:      projectID,
		TicketIDs:      append([]int64(nil), ticketIDs...),
		ConversationID: conversationID,
		QueuedAt:       time.Now().UTC(),
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}

	return batch, nil
}

// Validate checks if the Batch has valid data.
func (b *Batch) Validate() error {
	if b.ProjectID <= 0 {
		return ErrInvalidProjectID
	}
	if len(b.TicketIDs) == 0 {
		return ErrEmptyBatch
	}

	seen := make(map[int64]struct{}, len(b.TicketIDs))
	for _, id := range b.TicketIDs {
		if _, dup := seen[id]; dup {
			return ErrDuplicateTicketIDs
		}
		seen[id] = struct{}{}
	}

	return nil
}

// Contains reports whether the batch holds the given ticket ID.
func (b *Batch) Contains(ticketID int64) bool {
	for _, id := range b.TicketIDs {
		if id == ticketID {
			return true
		}
	}
	return false
}

// RemoveTicket removes the given ticket ID from the batch, preserving the
// order of the remaining tickets. Returns false if the ID was not present.
func (b *Batch) RemoveTicket(ticketID int64) bool {
	for i, id := range b.TicketIDs {
		if id == ticketID {
			b.TicketIDs = append(b.TicketIDs[:i], b.TicketIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Empty reports whether the batch has no tickets left.
func (b *Batch) Empty() bool {
	return len(b.TicketIDs) == 0
}
