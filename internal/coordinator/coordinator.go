package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/forgeloop/dispatch-api/internal/events"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// Config holds configuration for the coordinator.
type Config struct {
	// MaxConcurrent bounds total simultaneously-executing tickets
	// process-wide. If zero or negative, DefaultMaxConcurrent applies.
	MaxConcurrent int
}

// DefaultMaxConcurrent is the process-wide execution cap applied when the
// configuration does not specify one.
const DefaultMaxConcurrent = 200

// BatchResult summarizes one project batch run.
type BatchResult struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Stats is a snapshot of the coordinator's live state.
type Stats struct {
	MaxConcurrent      int     `json:"max_concurrent"`
	ActiveProjectCount int     `json:"active_project_count"`
	ActiveProjectIDs   []int64 `json:"active_project_ids"`
}

// ProjectBatch pairs a project's ordered ticket list with its conversation.
type ProjectBatch struct {
	TicketIDs      []int64
	ConversationID *int64
}

// Coordinator enforces the two concurrency rules of the dispatch layer:
// a global cap on simultaneously-executing tickets, and strict
// one-at-a-time execution per project. It is purely in-process; the
// cross-process guarantee comes from the distributed project lock held by
// the consumer driving it.
type Coordinator struct {
	executor Executor
	tickets  store.TicketStore
	notifier events.Notifier
	logger   *slog.Logger

	maxConcurrent int
	global        *semaphore.Weighted

	// mu guards the project slot map; slot acquire/release itself is
	// channel-based and lock-free.
	mu       sync.Mutex
	projects map[int64]chan struct{}
}

// New creates a Coordinator.
func New(
	executor Executor,
	tickets store.TicketStore,
	notifier events.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
		logger.Warn("invalid max concurrent specified, using default",
			"specified", cfg.MaxConcurrent,
			"default", DefaultMaxConcurrent)
	}

	return &Coordinator{
		executor:      executor,
		tickets:       tickets,
		notifier:      notifier,
		logger:        logger.With("component", "coordinator"),
		maxConcurrent: maxConcurrent,
		global:        semaphore.NewWeighted(int64(maxConcurrent)),
		projects:      make(map[int64]chan struct{}),
	}
}

// projectSlot returns the project's binary semaphore, creating it lazily.
func (c *Coordinator) projectSlot(projectID int64) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.projects[projectID]; ok {
		return slot
	}
	slot := make(chan struct{}, 1)
	c.projects[projectID] = slot
	return slot
}

// ExecuteTicket runs a single ticket through the full slot pipeline:
// project slot → global slot → executing → outcome. The project slot wait is
// unbounded so per-project state is never interleaved; bounding the wait is
// the executor's responsibility via its own runtime limits. Queue state is
// always reset and both slots released before returning.
func (c *Coordinator) ExecuteTicket(ctx context.Context, ticketID, projectID int64, conversationID *int64) Result {
	log := c.logger.With("ticket_id", ticketID, "project_id", projectID)

	slot := c.projectSlot(projectID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		c.clearAbandoned(ctx, ticketID)
		return Errorf("waiting for project slot: %w", ctx.Err())
	}
	defer func() { <-slot }()

	if err := c.global.Acquire(ctx, 1); err != nil {
		c.clearAbandoned(ctx, ticketID)
		return Errorf("waiting for global slot: %w", err)
	}
	defer c.global.Release(1)

	// Bookkeeping failures must not block execution; the record is
	// best-effort and force_reset can always repair it.
	if err := c.tickets.MarkExecuting(ctx, ticketID); err != nil {
		log.Error("failed to mark ticket executing", "error", err)
	}
	c.notify(ctx, ticketID, "", domain.QueueStatusExecuting)

	log.Info("executing ticket")
	result := c.run(ctx, ticketID, projectID, conversationID)

	if err := c.tickets.ClearQueueState(ctx, ticketID); err != nil {
		log.Error("failed to clear ticket queue state", "error", err)
	}
	c.notify(ctx, ticketID, statusForResult(result), domain.QueueStatusNone)

	switch result.Status {
	case StatusSuccess:
		log.Info("ticket completed")
	case StatusFailed:
		log.Warn("ticket failed", "detail", result.Detail)
	default:
		log.Error("ticket errored", "detail", result.Detail, "error", result.Err)
	}

	return result
}

// clearAbandoned resets a ticket whose batch was already consumed but which
// will never run because the caller gave up waiting for a slot. The parent
// context is cancelled at this point, so the cleanup runs detached.
func (c *Coordinator) clearAbandoned(ctx context.Context, ticketID int64) {
	cleanupCtx := context.WithoutCancel(ctx)
	if err := c.tickets.ClearQueueState(cleanupCtx, ticketID); err != nil {
		c.logger.Error("failed to clear queue state of abandoned ticket",
			"ticket_id", ticketID,
			"error", err)
	}
	c.notify(cleanupCtx, ticketID, "", domain.QueueStatusNone)
}

// run invokes the executor, converting panics into StatusError so a
// misbehaving collaborator cannot take down sibling batches.
func (c *Coordinator) run(ctx context.Context, ticketID, projectID int64, conversationID *int64) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("executor panicked",
				"ticket_id", ticketID,
				"project_id", projectID,
				"panic", p)
			result = Errorf("executor panic: %v", p)
		}
	}()

	return c.executor.Run(ctx, ticketID, projectID, conversationID)
}

// ExecuteProjectBatch runs the project's tickets sequentially in the listed
// order. A StatusError outcome aborts the remaining tickets (counted as
// skipped, queue state cleared); a StatusFailed outcome does not.
func (c *Coordinator) ExecuteProjectBatch(ctx context.Context, projectID int64, ticketIDs []int64, conversationID *int64) BatchResult {
	result := BatchResult{Total: len(ticketIDs)}

	for i, ticketID := range ticketIDs {
		res := c.ExecuteTicket(ctx, ticketID, projectID, conversationID)

		switch res.Status {
		case StatusSuccess:
			result.Completed++
		case StatusFailed:
			result.Failed++
		case StatusError:
			result.Skipped = len(ticketIDs) - i - 1
			c.skipRemaining(ctx, projectID, ticketIDs[i+1:])
			c.logger.Error("aborting batch after infrastructure error",
				"project_id", projectID,
				"failed_ticket_id", ticketID,
				"skipped", result.Skipped)
			return result
		}
	}

	return result
}

// skipRemaining clears queue state for tickets that will not run because an
// earlier sibling hit an infrastructure error. Their batch is already
// consumed, so leaving them marked queued would violate the queue invariant.
func (c *Coordinator) skipRemaining(ctx context.Context, projectID int64, ticketIDs []int64) {
	if len(ticketIDs) == 0 {
		return
	}

	if err := c.tickets.ClearQueueStateAll(ctx, ticketIDs); err != nil {
		c.logger.Error("failed to clear queue state of skipped tickets",
			"project_id", projectID,
			"ticket_ids", ticketIDs,
			"error", err)
	}
	for _, ticketID := range ticketIDs {
		c.notify(ctx, ticketID, "", domain.QueueStatusNone)
	}
}

// ExecuteMultiProject runs one batch per project concurrently. Each project's
// run is isolated: a failure (or panic) in one never cancels or corrupts the
// results of the others.
func (c *Coordinator) ExecuteMultiProject(ctx context.Context, batches map[int64]ProjectBatch) map[int64]BatchResult {
	results := make(map[int64]BatchResult, len(batches))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for projectID, batch := range batches {
		wg.Add(1)
		go func(projectID int64, batch ProjectBatch) {
			defer wg.Done()

			res := c.ExecuteProjectBatch(ctx, projectID, batch.TicketIDs, batch.ConversationID)

			mu.Lock()
			results[projectID] = res
			mu.Unlock()
		}(projectID, batch)
	}
	wg.Wait()

	return results
}

// CleanupProject drops the project's slot entry, bounding the map to
// recently active projects. Callers must only invoke it once the project's
// work is known to be drained; a concurrent ExecuteTicket against a fresh
// slot would not be excluded by the old one.
func (c *Coordinator) CleanupProject(projectID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.projects, projectID)
}

// Stats returns a snapshot of the coordinator's configuration and the
// projects that currently have a slot allocated.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(c.projects))
	for projectID := range c.projects {
		ids = append(ids, projectID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return Stats{
		MaxConcurrent:      c.maxConcurrent,
		ActiveProjectCount: len(ids),
		ActiveProjectIDs:   ids,
	}
}

// notify emits a status event, logging (never propagating) failures.
func (c *Coordinator) notify(ctx context.Context, ticketID int64, status domain.TicketStatus, queueStatus domain.QueueStatus) {
	if c.notifier == nil {
		return
	}
	event := events.StatusEvent{
		TicketID:    ticketID,
		Status:      status,
		QueueStatus: queueStatus,
	}
	if err := c.notifier.NotifyStatus(ctx, event); err != nil {
		c.logger.Warn("status notification failed",
			"ticket_id", ticketID,
			"queue_status", queueStatus,
			"error", err)
	}
}

// statusForResult maps an execution outcome to the workflow status carried
// in the completion notification.
func statusForResult(result Result) domain.TicketStatus {
	switch result.Status {
	case StatusSuccess:
		return domain.TicketStatusCompleted
	case StatusFailed:
		return domain.TicketStatusFailed
	default:
		return domain.TicketStatusBlocked
	}
}
