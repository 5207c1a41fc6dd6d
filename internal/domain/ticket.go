package domain

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus represents the workflow state of a ticket. It is owned by the
// wider product; the dispatcher only reads it and applies the retry-reset
// rule on enqueue.
type TicketStatus string

// Possible ticket status values
const (
	TicketStatusPending    TicketStatus = "pending"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusCompleted  TicketStatus = "completed"
	TicketStatusBlocked    TicketStatus = "blocked"
	TicketStatusFailed     TicketStatus = "failed"
)

// QueueStatus represents the scheduler-owned state of a ticket, distinct from
// its workflow status. The dispatcher is the only writer of this field.
type QueueStatus string

// Possible queue status values
const (
	QueueStatusNone      QueueStatus = "none"
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusExecuting QueueStatus = "executing"
)

// Ticket is the dispatcher's view of a ticket record: the workflow status it
// reads plus the three queue fields it owns.
type Ticket struct {
	ID          int64        `json:"id"`
	ProjectID   int64        `json:"project_id"`
	Status      TicketStatus `json:"status"`
	QueueStatus QueueStatus  `json:"queue_status"`
	QueuedAt    *time.Time   `json:"queued_at,omitempty"`
	QueueTaskID *uuid.UUID   `json:"queue_task_id,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsValidQueueStatus checks if the given status is a valid QueueStatus.
func IsValidQueueStatus(status QueueStatus) bool {
	switch status {
	case QueueStatusNone, QueueStatusQueued, QueueStatusExecuting:
		return true
	default:
		return false
	}
}
