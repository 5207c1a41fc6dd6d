package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/forgeloop/dispatch-api/internal/platform/logger"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// PostgresTicketStore implements the store.TicketStore interface using
// PostgreSQL. It only writes the queue-owned columns (queue_status,
// queued_at, queue_task_id); the workflow status column is written solely by
// the retry-reset rule on enqueue.
type PostgresTicketStore struct {
	db store.DBTX
}

// NewPostgresTicketStore creates a new PostgresTicketStore.
func NewPostgresTicketStore(db store.DBTX) *PostgresTicketStore {
	return &PostgresTicketStore{
		db: db,
	}
}

// WithTx returns a new PostgresTicketStore that uses the provided transaction.
func (s *PostgresTicketStore) WithTx(tx *sql.Tx) store.TicketStore {
	return &PostgresTicketStore{
		db: tx,
	}
}

// MarkQueued sets queue_status=queued with the batch task ID and timestamp
// for every given ticket.
func (s *PostgresTicketStore) MarkQueued(ctx context.Context, ticketIDs []int64, taskID uuid.UUID, queuedAt time.Time) error {
	log := logger.FromContext(ctx)

	if len(ticketIDs) == 0 {
		return nil
	}

	query := `
		UPDATE tickets
		SET queue_status = $2, queued_at = $3, queue_task_id = $4, updated_at = now()
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb)::bigint)
	`

	_, err := s.db.ExecContext(ctx, query,
		idsToJSON(ticketIDs),
		domain.QueueStatusQueued,
		queuedAt,
		taskID,
	)
	if err != nil {
		log.Error("failed to mark tickets queued",
			"task_id", taskID,
			"ticket_count", len(ticketIDs),
			"error", err)
		return fmt.Errorf("failed to mark tickets queued: %w", MapError(err))
	}

	return nil
}

// MarkExecuting sets queue_status=executing for the ticket. A missing ticket
// is a no-op; the executor may outlive the record it works on.
func (s *PostgresTicketStore) MarkExecuting(ctx context.Context, ticketID int64) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tickets
		SET queue_status = $2, updated_at = now()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, ticketID, domain.QueueStatusExecuting)
	if err != nil {
		log.Error("failed to mark ticket executing",
			"ticket_id", ticketID,
			"error", err)
		return fmt.Errorf("failed to mark ticket executing: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "ticket"); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		log.Warn("no ticket found to mark executing", "ticket_id", ticketID)
	}

	return nil
}

// ClearQueueState resets the ticket to queue_status=none and nulls the queue
// columns. Idempotent.
func (s *PostgresTicketStore) ClearQueueState(ctx context.Context, ticketID int64) error {
	query := `
		UPDATE tickets
		SET queue_status = $2, queued_at = NULL, queue_task_id = NULL, updated_at = now()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, ticketID, domain.QueueStatusNone); err != nil {
		return fmt.Errorf("failed to clear ticket queue state: %w", MapError(err))
	}
	return nil
}

// ClearQueueStateAll resets every given ticket in one statement.
func (s *PostgresTicketStore) ClearQueueStateAll(ctx context.Context, ticketIDs []int64) error {
	if len(ticketIDs) == 0 {
		return nil
	}

	query := `
		UPDATE tickets
		SET queue_status = $2, queued_at = NULL, queue_task_id = NULL, updated_at = now()
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb)::bigint)
	`

	if _, err := s.db.ExecContext(ctx, query, idsToJSON(ticketIDs), domain.QueueStatusNone); err != nil {
		return fmt.Errorf("failed to clear ticket queue states: %w", MapError(err))
	}
	return nil
}

// ResetForRetry moves blocked/failed tickets back to pending. Tickets in
// other states are untouched; the IDs of the tickets actually reset are
// returned.
func (s *PostgresTicketStore) ResetForRetry(ctx context.Context, ticketIDs []int64) ([]int64, error) {
	if len(ticketIDs) == 0 {
		return nil, nil
	}

	query := `
		UPDATE tickets
		SET status = $2, updated_at = now()
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb)::bigint)
		  AND status IN ($3, $4)
		RETURNING id
	`

	rows, err := s.db.QueryContext(ctx, query,
		idsToJSON(ticketIDs),
		domain.TicketStatusPending,
		domain.TicketStatusBlocked,
		domain.TicketStatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reset tickets for retry: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var resetIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reset ticket id: %w", err)
		}
		resetIDs = append(resetIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reset ticket ids: %w", MapError(err))
	}
	return resetIDs, nil
}

// GetQueueState loads the dispatcher's view of a ticket.
func (s *PostgresTicketStore) GetQueueState(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	query := `
		SELECT id, project_id, status, queue_status, queued_at, queue_task_id, updated_at
		FROM tickets
		WHERE id = $1
	`

	var (
		ticket      domain.Ticket
		queuedAt    sql.NullTime
		queueTaskID uuid.NullUUID
	)
	err := s.db.QueryRowContext(ctx, query, ticketID).Scan(
		&ticket.ID,
		&ticket.ProjectID,
		&ticket.Status,
		&ticket.QueueStatus,
		&queuedAt,
		&queueTaskID,
		&ticket.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket queue state: %w", MapError(err))
	}

	if queuedAt.Valid {
		ticket.QueuedAt = &queuedAt.Time
	}
	if queueTaskID.Valid {
		ticket.QueueTaskID = &queueTaskID.UUID
	}

	return &ticket, nil
}

var _ store.TicketStore = (*PostgresTicketStore)(nil)
