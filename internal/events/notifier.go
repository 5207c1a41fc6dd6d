package events

import (
	"context"
	"log/slog"
	"sync"
)

// InMemoryNotifier is a simple implementation of the Notifier interface that
// stores registered handlers in memory and fans events out to them.
type InMemoryNotifier struct {
	handlers []StatusHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryNotifier creates a new instance of InMemoryNotifier.
func NewInMemoryNotifier(logger *slog.Logger) *InMemoryNotifier {
	return &InMemoryNotifier{
		handlers: make([]StatusHandler, 0),
		logger:   logger.With("component", "in_memory_notifier"),
	}
}

// RegisterHandler adds a new handler to receive status events.
func (n *InMemoryNotifier) RegisterHandler(handler StatusHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
	n.logger.Debug("registered new status handler", "handler_count", len(n.handlers))
}

// NotifyStatus publishes the given event to all registered handlers.
// If a handler returns an error, the event is still sent to all other
// handlers, and the first error encountered is returned.
func (n *InMemoryNotifier) NotifyStatus(ctx context.Context, event StatusEvent) error {
	n.mu.RLock()
	handlers := make([]StatusHandler, len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.RUnlock()

	n.logger.Debug("emitting status event",
		"ticket_id", event.TicketID,
		"status", event.Status,
		"queue_status", event.QueueStatus,
		"handler_count", len(handlers))

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleStatus(ctx, event); err != nil {
			n.logger.Error("handler failed to process status event",
				"error", err,
				"handler_index", i,
				"ticket_id", event.TicketID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
