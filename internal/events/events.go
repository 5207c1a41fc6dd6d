package events

import (
	"context"

	"github.com/forgeloop/dispatch-api/internal/domain"
)

// StatusEvent describes one ticket status transition for real-time broadcast.
// Status may be empty when only the queue status changed.
type StatusEvent struct {
	TicketID    int64               `json:"ticket_id"`
	Status      domain.TicketStatus `json:"status,omitempty"`
	QueueStatus domain.QueueStatus  `json:"queue_status"`
}

// StatusHandler defines an interface for components that consume status
// events, typically the bridge to a real-time transport.
type StatusHandler interface {
	// HandleStatus processes the given event within the provided context.
	HandleStatus(ctx context.Context, event StatusEvent) error
}

// Notifier defines an interface for components that publish status events.
// Delivery is best-effort: emitters log failures and never propagate them
// into the dispatch path.
type Notifier interface {
	// NotifyStatus publishes the given event to all registered handlers.
	NotifyStatus(ctx context.Context, event StatusEvent) error
}
