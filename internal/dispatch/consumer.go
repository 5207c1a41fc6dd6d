package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/dispatch-api/internal/coordinator"
	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// ConsumerConfig holds the consumer loop's tunables.
type ConsumerConfig struct {
	// PollInterval is the idle sleep between queue polls. If zero,
	// DefaultPollInterval applies.
	PollInterval time.Duration

	// LockTTL is the lease duration of the distributed project lock. The
	// heartbeat renews it at a third of this interval. If zero,
	// DefaultLockTTL applies.
	LockTTL time.Duration
}

// Default consumer tunables.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultLockTTL      = 45 * time.Second
)

// Consumer pops batches from the durable queue and drives them through the
// coordinator, holding the project's distributed lock for the duration of
// each batch. Multiple consumer processes may run against the same store;
// the queue pop and the lock acquire together guarantee each batch executes
// exactly once and never concurrently with another batch of its project.
type Consumer struct {
	queue  store.QueueStore
	locks  store.LockStore
	coord  *coordinator.Coordinator
	logger *slog.Logger

	pollInterval time.Duration
	lockTTL      time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a Consumer.
func NewConsumer(
	queue store.QueueStore,
	locks store.LockStore,
	coord *coordinator.Coordinator,
	cfg ConsumerConfig,
	logger *slog.Logger,
) *Consumer {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	return &Consumer{
		queue:        queue,
		locks:        locks,
		coord:        coord,
		logger:       logger.With("component", "consumer"),
		pollInterval: pollInterval,
		lockTTL:      lockTTL,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the consumer loop. It returns immediately; call Drain to
// stop popping and wait for in-flight batches.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
	c.logger.Info("consumer started",
		"poll_interval", c.pollInterval,
		"lock_ttl", c.lockTTL)
}

// Drain stops popping new batches and blocks until in-flight batches finish
// or ctx expires. Returns ctx.Err() on timeout.
func (c *Consumer) Drain(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("consumer drained")
		return nil
	case <-ctx.Done():
		c.logger.Warn("consumer drain timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// loop polls the queue, dispatching each popped batch on its own goroutine.
// Parallelism across projects is bounded by the coordinator's global cap,
// not here.
func (c *Consumer) loop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, err := c.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrBatchNotFound) {
				c.logger.Error("queue pop failed", "error", err)
			}
			continue
		}

		c.wg.Add(1)
		go func(batch *domain.Batch) {
			defer c.wg.Done()
			c.process(ctx, batch)
		}(batch)
	}
}

// process runs one popped batch under the project's distributed lock. If the
// lock is held elsewhere the batch goes back to the tail of the queue; FIFO
// position is sacrificed rather than blocking the consumer on a busy project.
func (c *Consumer) process(ctx context.Context, batch *domain.Batch) {
	log := c.logger.With(
		"project_id", batch.ProjectID,
		"task_id", batch.TaskID,
		"ticket_count", len(batch.TicketIDs))

	holder := uuid.New()
	acquired, err := c.locks.Acquire(ctx, batch.ProjectID, holder, c.lockTTL)
	if err != nil {
		log.Error("lock acquire failed, re-queueing batch", "error", err)
		c.requeue(ctx, batch)
		return
	}
	if !acquired {
		log.Debug("project busy elsewhere, re-queueing batch")
		c.requeue(ctx, batch)
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go c.heartbeat(heartbeatCtx, heartbeatDone, batch.ProjectID, holder)

	result := c.coord.ExecuteProjectBatch(ctx, batch.ProjectID, batch.TicketIDs, batch.ConversationID)

	stopHeartbeat()
	<-heartbeatDone

	if err := c.locks.Release(ctx, batch.ProjectID, holder); err != nil {
		// The TTL bounds how long a leaked lock blocks the project.
		log.Error("lock release failed, lease will expire", "error", err)
	}

	c.maybeCleanup(ctx, batch.ProjectID)

	log.Info("batch processed",
		"completed", result.Completed,
		"failed", result.Failed,
		"skipped", result.Skipped)
}

// heartbeat renews the project lock at a third of its TTL so a live batch
// never loses its lease, while a crashed process loses it within one TTL.
func (c *Consumer) heartbeat(ctx context.Context, done chan<- struct{}, projectID int64, holder uuid.UUID) {
	defer close(done)

	ticker := time.NewTicker(c.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.locks.Renew(ctx, projectID, holder, c.lockTTL); err != nil {
				if errors.Is(err, store.ErrLockNotHeld) {
					// Force reset or lease expiry took the lock; the
					// cancellation flag handles stopping the work.
					c.logger.Warn("project lock lost during execution",
						"project_id", projectID)
					return
				}
				c.logger.Error("lock renew failed",
					"project_id", projectID, "error", err)
			}
		}
	}
}

// requeue appends the batch back to the tail. On failure the batch is lost
// from the queue but its tickets stay marked queued, which force_reset or a
// re-enqueue can repair.
func (c *Consumer) requeue(ctx context.Context, batch *domain.Batch) {
	if err := c.queue.Append(ctx, batch); err != nil {
		c.logger.Error("failed to re-queue batch",
			"project_id", batch.ProjectID,
			"task_id", batch.TaskID,
			"error", err)
	}
}

// maybeCleanup drops the project's coordinator slot when nothing else is
// queued for it, keeping the slot map bounded.
func (c *Consumer) maybeCleanup(ctx context.Context, projectID int64) {
	queued, err := c.queue.HasProject(ctx, projectID)
	if err != nil {
		c.logger.Warn("queue membership check failed, keeping project slot",
			"project_id", projectID, "error", err)
		return
	}
	if !queued {
		c.coord.CleanupProject(projectID)
	}
}
