package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/forgeloop/dispatch-api/internal/events"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// QueueInfo is the queue standing of one project, as reported to upstream
// handlers.
type QueueInfo struct {
	IsExecuting     bool    `json:"is_executing"`
	QueuedTicketIDs []int64 `json:"queued_ticket_ids"`
	QueuePosition   *int    `json:"queue_position,omitempty"`
}

// ExecutorStatus is a platform-wide snapshot of the dispatch layer.
type ExecutorStatus struct {
	QueueLength        int     `json:"queue_length"`
	TotalQueuedTickets int     `json:"total_queued_tickets"`
	ExecutingProjects  []int64 `json:"executing_projects"`
}

// ForceResetResult reports what the crash-recovery primitive managed to do.
// Every field is meaningful even when the ticket was already clean; the call
// never raises.
type ForceResetResult struct {
	CancellationFlagSet bool   `json:"cancellation_flag_set"`
	RemovedFromQueue    bool   `json:"removed_from_queue"`
	DBStatusReset       bool   `json:"db_status_reset"`
	LockReleased        bool   `json:"lock_released"`
	Error               string `json:"error,omitempty"`
}

// Service is the producer-facing dispatch API consumed by upstream request
// handlers. Every operation returns a safe, well-formed answer even when the
// backing store is unreachable.
type Service interface {
	Enqueue(ctx context.Context, projectID int64, ticketIDs []int64, conversationID *int64) (uuid.UUID, bool)
	Remove(ctx context.Context, projectID, ticketID int64) bool
	ForceReset(ctx context.Context, projectID, ticketID int64) ForceResetResult
	QueueInfo(ctx context.Context, projectID int64) QueueInfo
	ExecutorStatus(ctx context.Context) ExecutorStatus
}

// Dispatcher is the facade over the durable queue, the ticket queue-state
// records, the project locks and the cancellation flags.
type Dispatcher struct {
	queue    store.QueueStore
	tickets  store.TicketStore
	locks    store.LockStore
	cancels  store.CancellationStore
	notifier events.Notifier
	txRunner store.TxRunner
	logger   *slog.Logger

	cancelTTL time.Duration
}

// Config holds the dispatcher's tunables.
type Config struct {
	// CancelFlagTTL bounds the lifetime of cancellation flags raised by
	// ForceReset. If zero, DefaultCancelFlagTTL applies.
	CancelFlagTTL time.Duration
}

// DefaultCancelFlagTTL is how long a cancellation flag lives when the
// configuration does not specify a TTL.
const DefaultCancelFlagTTL = time.Hour

// New creates a Dispatcher. txRunner groups the per-batch ticket updates
// into one transaction.
func New(
	queue store.QueueStore,
	tickets store.TicketStore,
	locks store.LockStore,
	cancels store.CancellationStore,
	notifier events.Notifier,
	txRunner store.TxRunner,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	cancelTTL := cfg.CancelFlagTTL
	if cancelTTL <= 0 {
		cancelTTL = DefaultCancelFlagTTL
	}

	return &Dispatcher{
		queue:     queue,
		tickets:   tickets,
		locks:     locks,
		cancels:   cancels,
		notifier:  notifier,
		txRunner:  txRunner,
		logger:    logger.With("component", "dispatcher"),
		cancelTTL: cancelTTL,
	}
}

// Enqueue appends a batch for the project and marks its tickets queued.
// Stale cancellation flags are cleared first so a re-queued, previously
// cancelled ticket starts clean; blocked/failed tickets are reset to pending
// because re-queueing implies a retry. Returns the batch task ID and whether
// the batch was durably appended.
func (d *Dispatcher) Enqueue(ctx context.Context, projectID int64, ticketIDs []int64, conversationID *int64) (uuid.UUID, bool) {
	log := d.logger.With("project_id", projectID)

	batch, err := domain.NewBatch(projectID, ticketIDs, conversationID)
	if err != nil {
		log.Warn("rejecting invalid enqueue request", "error", err)
		return uuid.Nil, false
	}

	if err := d.cancels.ClearAll(ctx, ticketIDs); err != nil {
		log.Error("failed to clear stale cancellation flags", "error", err)
		// Keep going: a stale flag self-expires, losing the enqueue does not.
	}

	if err := d.queue.Append(ctx, batch); err != nil {
		log.Error("failed to append batch to queue", "error", err)
		return uuid.Nil, false
	}

	// Both ticket updates commit together: a crash between them must not
	// leave a queued ticket with a stale blocked/failed status.
	var resetIDs []int64
	if err := d.txRunner.InTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tickets := d.tickets.WithTx(tx)
		if err := tickets.MarkQueued(ctx, ticketIDs, batch.TaskID, batch.QueuedAt); err != nil {
			return err
		}
		ids, err := tickets.ResetForRetry(ctx, ticketIDs)
		if err != nil {
			return err
		}
		resetIDs = ids
		return nil
	}); err != nil {
		log.Error("failed to record ticket queue state", "error", err, "task_id", batch.TaskID)
	}

	reset := make(map[int64]struct{}, len(resetIDs))
	for _, id := range resetIDs {
		reset[id] = struct{}{}
	}
	for _, ticketID := range ticketIDs {
		// Only tickets the retry rule touched changed domain status.
		status := domain.TicketStatus("")
		if _, ok := reset[ticketID]; ok {
			status = domain.TicketStatusPending
		}
		d.notify(ctx, ticketID, status, domain.QueueStatusQueued)
	}

	log.Info("batch enqueued",
		"task_id", batch.TaskID,
		"ticket_count", len(ticketIDs))
	return batch.TaskID, true
}

// Remove deletes the ticket from the first batch that contains it. Returns
// false when no live batch holds the (project, ticket) pair; the ticket's
// queue state is force-cleared either way so callers converge on a clean
// record.
func (d *Dispatcher) Remove(ctx context.Context, projectID, ticketID int64) bool {
	log := d.logger.With("project_id", projectID, "ticket_id", ticketID)

	found := true
	if _, err := d.queue.RemoveTicket(ctx, projectID, ticketID); err != nil {
		if !errors.Is(err, store.ErrBatchNotFound) {
			log.Error("failed to remove ticket from queue", "error", err)
			return false
		}
		found = false
	}

	if err := d.tickets.ClearQueueState(ctx, ticketID); err != nil {
		log.Error("failed to clear ticket queue state", "error", err)
	}
	d.notify(ctx, ticketID, "", domain.QueueStatusNone)

	if !found {
		log.Debug("ticket not found in any live batch")
		return false
	}

	log.Info("ticket removed from queue")
	return true
}

// ForceReset is the single crash-recovery primitive: it raises the
// cancellation flag, dequeues the ticket if still queued, resets its queue
// state, and unconditionally releases the project lock. Safe to call
// repeatedly; a ticket already at none yields a well-formed result.
func (d *Dispatcher) ForceReset(ctx context.Context, projectID, ticketID int64) ForceResetResult {
	log := d.logger.With("project_id", projectID, "ticket_id", ticketID)
	log.Warn("force reset requested")

	var result ForceResetResult
	recordErr := func(err error) {
		if result.Error == "" {
			result.Error = err.Error()
		}
	}

	if err := d.cancels.Set(ctx, ticketID, d.cancelTTL); err != nil {
		log.Error("force reset: failed to set cancellation flag", "error", err)
		recordErr(err)
	} else {
		result.CancellationFlagSet = true
	}

	if _, err := d.queue.RemoveTicket(ctx, projectID, ticketID); err != nil {
		if !errors.Is(err, store.ErrBatchNotFound) {
			log.Error("force reset: failed to remove ticket from queue", "error", err)
			recordErr(err)
		}
	} else {
		result.RemovedFromQueue = true
	}

	if err := d.tickets.ClearQueueState(ctx, ticketID); err != nil {
		log.Error("force reset: failed to clear ticket queue state", "error", err)
		recordErr(err)
	} else {
		result.DBStatusReset = true
	}

	released, err := d.locks.ForceRelease(ctx, projectID)
	if err != nil {
		log.Error("force reset: failed to release project lock", "error", err)
		recordErr(err)
	} else {
		result.LockReleased = released
		if released {
			// The lock may have had a legitimate holder; releasing it breaks
			// the exclusion invariant for that holder.
			log.Warn("force reset: project lock force-released")
		}
	}

	d.notify(ctx, ticketID, "", domain.QueueStatusNone)

	return result
}

// QueueInfo reports the project's queue standing. Store failures degrade to
// an empty answer rather than an error.
func (d *Dispatcher) QueueInfo(ctx context.Context, projectID int64) QueueInfo {
	info := QueueInfo{QueuedTicketIDs: []int64{}}

	held, err := d.locks.IsHeld(ctx, projectID)
	if err != nil {
		d.logger.Error("queue info: lock check failed",
			"project_id", projectID, "error", err)
	} else {
		info.IsExecuting = held
	}

	standing, err := d.queue.Find(ctx, projectID)
	if err != nil {
		if !errors.Is(err, store.ErrBatchNotFound) {
			d.logger.Error("queue info: queue lookup failed",
				"project_id", projectID, "error", err)
		}
		return info
	}

	info.QueuedTicketIDs = standing.TicketIDs
	if standing.Position > 0 {
		position := standing.Position
		info.QueuePosition = &position
	}
	return info
}

// ExecutorStatus reports platform-wide queue totals and the projects that
// currently hold a lock. Store failures degrade to zero values.
func (d *Dispatcher) ExecutorStatus(ctx context.Context) ExecutorStatus {
	status := ExecutorStatus{ExecutingProjects: []int64{}}

	if length, err := d.queue.Length(ctx); err != nil {
		d.logger.Error("executor status: queue length failed", "error", err)
	} else {
		status.QueueLength = length
	}

	if total, err := d.queue.TotalTickets(ctx); err != nil {
		d.logger.Error("executor status: total tickets failed", "error", err)
	} else {
		status.TotalQueuedTickets = total
	}

	if projects, err := d.locks.HeldProjects(ctx); err != nil {
		d.logger.Error("executor status: held projects failed", "error", err)
	} else if projects != nil {
		status.ExecutingProjects = projects
	}

	return status
}

// Clear wipes the whole queue. Operator-only and destructive; the error is
// returned so the operator surface can report it.
func (d *Dispatcher) Clear(ctx context.Context) error {
	d.logger.Warn("clearing entire dispatch queue")
	return d.queue.Clear(ctx)
}

// notify emits a status event, logging (never propagating) failures.
func (d *Dispatcher) notify(ctx context.Context, ticketID int64, status domain.TicketStatus, queueStatus domain.QueueStatus) {
	if d.notifier == nil {
		return
	}
	event := events.StatusEvent{
		TicketID:    ticketID,
		Status:      status,
		QueueStatus: queueStatus,
	}
	if err := d.notifier.NotifyStatus(ctx, event); err != nil {
		d.logger.Warn("status notification failed",
			"ticket_id", ticketID,
			"queue_status", queueStatus,
			"error", err)
	}
}

var _ Service = (*Dispatcher)(nil)
