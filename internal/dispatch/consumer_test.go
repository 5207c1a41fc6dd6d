package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/dispatch-api/internal/coordinator"
	"github.com/forgeloop/dispatch-api/internal/dispatch"
	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/forgeloop/dispatch-api/internal/events"
)

type consumerFixture struct {
	*dispatcherFixture
	consumer *dispatch.Consumer

	mu    sync.Mutex
	order []int64
}

// newConsumerFixture wires the full in-process pipeline: dispatcher producing
// into the queue, consumer popping under the project lock, coordinator
// bounding execution, cancellation watcher wrapping the executor.
func newConsumerFixture(t *testing.T, executor coordinator.Executor) *consumerFixture {
	t.Helper()

	f := &consumerFixture{dispatcherFixture: newDispatcherFixture()}
	if executor == nil {
		executor = coordinator.ExecutorFunc(func(_ context.Context, ticketID, _ int64, _ *int64) coordinator.Result {
			f.mu.Lock()
			f.order = append(f.order, ticketID)
			f.mu.Unlock()
			return coordinator.Result{Status: coordinator.StatusSuccess}
		})
	}

	watched := dispatch.NewCancellationWatcher(executor, f.cancels, 5*time.Millisecond, discardLogger())
	notifier := events.NewInMemoryNotifier(discardLogger())
	coord := coordinator.New(watched, f.tickets, notifier,
		coordinator.Config{MaxConcurrent: 10}, discardLogger())
	f.consumer = dispatch.NewConsumer(f.queue, f.locks, coord,
		dispatch.ConsumerConfig{
			PollInterval: 5 * time.Millisecond,
			LockTTL:      time.Second,
		}, discardLogger())
	return f
}

func (f *consumerFixture) executedOrder() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.order...)
}

func startConsumer(t *testing.T, f *consumerFixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.consumer.Start(ctx)
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		_ = f.consumer.Drain(drainCtx)
		cancel()
	})
}

func TestConsumer_ProcessesBatchInOrder(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, nil)
	f.tickets.seed(1, 42, domain.TicketStatusPending)
	f.tickets.seed(2, 42, domain.TicketStatusPending)
	f.tickets.seed(3, 42, domain.TicketStatusPending)
	_, ok := f.svc.Enqueue(context.Background(), 42, []int64{1, 2, 3}, nil)
	require.True(t, ok)

	startConsumer(t, f)

	require.Eventually(t, func() bool {
		return len(f.executedOrder()) == 3
	}, 5*time.Second, 10*time.Millisecond, "batch never finished executing")

	assert.Equal(t, []int64{1, 2, 3}, f.executedOrder())

	assert.Eventually(t, func() bool {
		held, err := f.locks.IsHeld(context.Background(), 42)
		return err == nil && !held
	}, 2*time.Second, 10*time.Millisecond, "project lock must be released after the batch")

	assert.Empty(t, f.queue.snapshot())
	assert.Equal(t, domain.QueueStatusNone, f.tickets.get(1).QueueStatus)
}

func TestConsumer_RequeuesWhileProjectLockedElsewhere(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, nil)
	f.tickets.seed(1, 42, domain.TicketStatusPending)

	// Another process holds the project lock.
	holder := uuid.New()
	acquired, err := f.locks.Acquire(context.Background(), 42, holder, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	_, ok := f.svc.Enqueue(context.Background(), 42, []int64{1}, nil)
	require.True(t, ok)

	startConsumer(t, f)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.executedOrder(), "batch must not run while the lock is held elsewhere")
	assert.NotEmpty(t, f.queue.snapshot(), "batch must stay queued")

	require.NoError(t, f.locks.Release(context.Background(), 42, holder))

	require.Eventually(t, func() bool {
		return len(f.executedOrder()) == 1
	}, 5*time.Second, 10*time.Millisecond, "batch must run once the lock frees up")
}

func TestConsumer_ForceResetCancelsExecution(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	executor := coordinator.ExecutorFunc(func(ctx context.Context, _, _ int64, _ *int64) coordinator.Result {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return coordinator.Errorf("interrupted: %w", ctx.Err())
		case <-time.After(10 * time.Second):
			return coordinator.Result{Status: coordinator.StatusSuccess}
		}
	})

	f := newConsumerFixture(t, executor)
	f.tickets.seed(1, 42, domain.TicketStatusInProgress)
	_, ok := f.svc.Enqueue(context.Background(), 42, []int64{1}, nil)
	require.True(t, ok)

	startConsumer(t, f)
	<-started

	result := f.svc.ForceReset(context.Background(), 42, 1)
	assert.True(t, result.CancellationFlagSet)
	assert.True(t, result.LockReleased, "consumer held the lock during execution")

	require.Eventually(t, func() bool {
		held, err := f.locks.IsHeld(context.Background(), 42)
		if err != nil || held {
			return false
		}
		return f.tickets.get(1).QueueStatus == domain.QueueStatusNone
	}, 5*time.Second, 10*time.Millisecond, "execution must stop and state must be clean")
}

func TestConsumer_DrainWaitsForInFlightBatch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	executor := coordinator.ExecutorFunc(func(_ context.Context, _, _ int64, _ *int64) coordinator.Result {
		close(started)
		<-release
		return coordinator.Result{Status: coordinator.StatusSuccess}
	})

	f := newConsumerFixture(t, executor)
	f.tickets.seed(1, 42, domain.TicketStatusPending)
	_, ok := f.svc.Enqueue(context.Background(), 42, []int64{1}, nil)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.consumer.Start(ctx)
	<-started

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	assert.ErrorIs(t, f.consumer.Drain(shortCtx), context.DeadlineExceeded,
		"drain must not report done while a batch is in flight")

	close(release)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	assert.NoError(t, f.consumer.Drain(drainCtx))
}
