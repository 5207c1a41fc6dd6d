package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/forgeloop/dispatch-api/internal/coordinator"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// DefaultCancelPollInterval is how often the watcher checks the ticket's
// cancellation flag while the executor runs.
const DefaultCancelPollInterval = time.Second

// CancellationWatcher wraps an executor and turns the shared-store
// cancellation flag into context cancellation: while the inner executor
// runs, the watcher polls the flag and cancels the execution context the
// moment it appears. Executors observe a plain context.Context; they never
// see the flag store.
type CancellationWatcher struct {
	inner        coordinator.Executor
	cancels      store.CancellationStore
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewCancellationWatcher wraps inner with flag-driven cancellation.
func NewCancellationWatcher(
	inner coordinator.Executor,
	cancels store.CancellationStore,
	pollInterval time.Duration,
	logger *slog.Logger,
) *CancellationWatcher {
	if pollInterval <= 0 {
		pollInterval = DefaultCancelPollInterval
	}
	return &CancellationWatcher{
		inner:        inner,
		cancels:      cancels,
		pollInterval: pollInterval,
		logger:       logger.With("component", "cancellation_watcher"),
	}
}

// Run checks the flag once up front (a pre-set flag means the ticket must
// not start), then runs the inner executor under a context that is cancelled
// when the flag appears. On any non-cancelled completion the flag is cleared
// so a later re-queue starts clean.
func (w *CancellationWatcher) Run(ctx context.Context, ticketID, projectID int64, conversationID *int64) coordinator.Result {
	log := w.logger.With("ticket_id", ticketID, "project_id", projectID)

	set, err := w.cancels.IsSet(ctx, ticketID)
	if err != nil {
		// Fail open: an unreadable flag must not block legitimate work.
		log.Error("cancellation flag check failed, proceeding", "error", err)
	} else if set {
		log.Info("ticket cancelled before execution started")
		w.clearFlag(ctx, ticketID)
		return coordinator.Result{
			Status: coordinator.StatusError,
			Detail: "cancelled before execution",
			Err:    context.Canceled,
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go w.watch(runCtx, done, ticketID, cancel)

	result := w.inner.Run(runCtx, ticketID, projectID, conversationID)
	cancel(nil)
	<-done

	if errors.Is(context.Cause(runCtx), errCancellationRequested) {
		log.Info("ticket execution cancelled by flag")
		return coordinator.Result{
			Status: coordinator.StatusError,
			Detail: "cancelled by force reset",
			Err:    errCancellationRequested,
		}
	}

	w.clearFlag(ctx, ticketID)
	return result
}

// errCancellationRequested marks a context cancelled by the flag watcher, as
// opposed to a caller-initiated cancellation.
var errCancellationRequested = errors.New("cancellation requested via flag")

// watch polls the flag until the execution finishes or the flag appears.
func (w *CancellationWatcher) watch(ctx context.Context, done chan<- struct{}, ticketID int64, cancel context.CancelCauseFunc) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			set, err := w.cancels.IsSet(ctx, ticketID)
			if err != nil {
				w.logger.Warn("cancellation flag poll failed",
					"ticket_id", ticketID, "error", err)
				continue
			}
			if set {
				cancel(errCancellationRequested)
				return
			}
		}
	}
}

// clearFlag best-effort clears the ticket's flag after a clean run so a
// stale flag never cancels the next execution of the same ticket.
func (w *CancellationWatcher) clearFlag(ctx context.Context, ticketID int64) {
	if err := w.cancels.Clear(ctx, ticketID); err != nil {
		w.logger.Warn("failed to clear cancellation flag",
			"ticket_id", ticketID, "error", err)
	}
}

var _ coordinator.Executor = (*CancellationWatcher)(nil)
