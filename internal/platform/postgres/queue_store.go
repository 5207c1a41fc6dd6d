package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/dispatch-api/internal/domain"
	"github.com/forgeloop/dispatch-api/internal/platform/logger"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// PostgresQueueStore implements the store.QueueStore interface using
// PostgreSQL. Batch order is the insertion order of the id column; ticket IDs
// are stored as a jsonb array because the stdlib driver interface cannot scan
// bigint arrays.
type PostgresQueueStore struct {
	db *sql.DB
}

// NewPostgresQueueStore creates a new PostgresQueueStore.
func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{
		db: db,
	}
}

// idsToJSON encodes ticket IDs for a jsonb column or parameter. Marshalling
// a slice of integers cannot fail.
func idsToJSON(ids []int64) []byte {
	data, _ := json.Marshal(ids)
	return data
}

// Append adds a batch at the tail of the queue.
func (s *PostgresQueueStore) Append(ctx context.Context, batch *domain.Batch) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO ticket_batches (task_id, project_id, ticket_ids, conversation_id, queued_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		batch.TaskID,
		batch.ProjectID,
		idsToJSON(batch.TicketIDs),
		batch.ConversationID,
		batch.QueuedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			log.Warn("batch task id already queued", "task_id", batch.TaskID)
			return fmt.Errorf("batch %s already queued: %w", batch.TaskID, store.ErrDuplicate)
		}
		log.Error("failed to append batch",
			"task_id", batch.TaskID,
			"project_id", batch.ProjectID,
			"error", err)
		return fmt.Errorf("failed to append batch: %w", MapError(err))
	}

	return nil
}

// Pop atomically removes and returns the head batch. SKIP LOCKED lets
// concurrent consumer processes pop distinct batches without serializing on
// the head row.
func (s *PostgresQueueStore) Pop(ctx context.Context) (*domain.Batch, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM ticket_batches
		WHERE id = (
			SELECT id FROM ticket_batches
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING task_id, project_id, ticket_ids, conversation_id, queued_at
	`

	batch, err := scanBatch(s.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBatchNotFound
		}
		log.Error("failed to pop batch", "error", err)
		return nil, fmt.Errorf("failed to pop batch: %w", MapError(err))
	}

	return batch, nil
}

// RemoveTicket removes the ticket from the first batch containing the
// (projectID, ticketID) pair, inside one transaction. An emptied batch is
// deleted; otherwise the shrunk batch is re-inserted at the tail.
func (s *PostgresQueueStore) RemoveTicket(ctx context.Context, projectID, ticketID int64) (*domain.Batch, error) {
	log := logger.FromContext(ctx)

	var found *domain.Batch
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		selectQuery := `
			SELECT id, task_id, project_id, ticket_ids, conversation_id, queued_at
			FROM ticket_batches
			WHERE project_id = $1 AND ticket_ids @> to_jsonb($2::bigint)
			ORDER BY id
			LIMIT 1
			FOR UPDATE
		`

		var (
			rowID          int64
			taskID         uuid.UUID
			batchProjectID int64
			ticketIDsJSON  []byte
			conversationID sql.NullInt64
			queuedAt       time.Time
		)
		err := tx.QueryRowContext(ctx, selectQuery, projectID, ticketID).Scan(
			&rowID, &taskID, &batchProjectID, &ticketIDsJSON, &conversationID, &queuedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrBatchNotFound
			}
			return fmt.Errorf("failed to find batch containing ticket: %w", MapError(err))
		}

		var ticketIDs []int64
		if err := json.Unmarshal(ticketIDsJSON, &ticketIDs); err != nil {
			return fmt.Errorf("failed to decode batch ticket IDs: %w", err)
		}

		found = &domain.Batch{
			TaskID:    taskID,
			ProjectID: batchProjectID,
			TicketIDs: ticketIDs,
			QueuedAt:  queuedAt,
		}
		if conversationID.Valid {
			found.ConversationID = &conversationID.Int64
		}

		remaining := *found
		remaining.TicketIDs = append([]int64(nil), ticketIDs...)
		remaining.RemoveTicket(ticketID)

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ticket_batches WHERE id = $1`, rowID); err != nil {
			return fmt.Errorf("failed to delete batch row: %w", MapError(err))
		}

		if remaining.Empty() {
			return nil
		}

		insertQuery := `
			INSERT INTO ticket_batches (task_id, project_id, ticket_ids, conversation_id, queued_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		if _, err := tx.ExecContext(ctx, insertQuery,
			remaining.TaskID,
			remaining.ProjectID,
			idsToJSON(remaining.TicketIDs),
			remaining.ConversationID,
			remaining.QueuedAt,
		); err != nil {
			return fmt.Errorf("failed to re-append shrunk batch: %w", MapError(err))
		}

		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrBatchNotFound) {
			log.Error("failed to remove ticket from queue",
				"project_id", projectID,
				"ticket_id", ticketID,
				"error", err)
		}
		return nil, err
	}

	return found, nil
}

// Find reports the queue standing of the given project: the 1-indexed
// position of its first batch, plus all of its queued ticket IDs in order.
func (s *PostgresQueueStore) Find(ctx context.Context, projectID int64) (*store.ProjectQueue, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT b.pos, b.ticket_ids
		FROM (
			SELECT id, project_id, ticket_ids,
			       row_number() OVER (ORDER BY id) AS pos
			FROM ticket_batches
		) b
		WHERE b.project_id = $1
		ORDER BY b.id
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		log.Error("failed to query project queue standing",
			"project_id", projectID,
			"error", err)
		return nil, fmt.Errorf("failed to query project queue standing: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	result := &store.ProjectQueue{}
	for rows.Next() {
		var (
			pos           int
			ticketIDsJSON []byte
		)
		if err := rows.Scan(&pos, &ticketIDsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}

		var ticketIDs []int64
		if err := json.Unmarshal(ticketIDsJSON, &ticketIDs); err != nil {
			return nil, fmt.Errorf("failed to decode batch ticket IDs: %w", err)
		}

		if result.Position == 0 {
			result.Position = pos
		}
		result.TicketIDs = append(result.TicketIDs, ticketIDs...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue rows: %w", MapError(err))
	}

	if result.Position == 0 {
		return nil, store.ErrBatchNotFound
	}
	return result, nil
}

// Length returns the number of live batches.
func (s *PostgresQueueStore) Length(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticket_batches`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", MapError(err))
	}
	return count, nil
}

// TotalTickets returns the number of ticket IDs across all live batches.
func (s *PostgresQueueStore) TotalTickets(ctx context.Context) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(jsonb_array_length(ticket_ids)), 0) FROM ticket_batches`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued tickets: %w", MapError(err))
	}
	return total, nil
}

// HasProject reports whether any live batch targets the project.
func (s *PostgresQueueStore) HasProject(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ticket_batches WHERE project_id = $1)`,
		projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check project queue membership: %w", MapError(err))
	}
	return exists, nil
}

// Clear deletes every batch.
func (s *PostgresQueueStore) Clear(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM ticket_batches`); err != nil {
		log.Error("failed to clear queue", "error", err)
		return fmt.Errorf("failed to clear queue: %w", MapError(err))
	}

	log.Warn("queue cleared")
	return nil
}

// scanBatch reads one batch from a RETURNING row.
func scanBatch(row *sql.Row) (*domain.Batch, error) {
	var (
		taskID         uuid.UUID
		projectID      int64
		ticketIDsJSON  []byte
		conversationID sql.NullInt64
		queuedAt       time.Time
	)
	if err := row.Scan(&taskID, &projectID, &ticketIDsJSON, &conversationID, &queuedAt); err != nil {
		return nil, err
	}

	var ticketIDs []int64
	if err := json.Unmarshal(ticketIDsJSON, &ticketIDs); err != nil {
		return nil, fmt.Errorf("failed to decode batch ticket IDs: %w", err)
	}

	batch := &domain.Batch{
		TaskID:    taskID,
		ProjectID: projectID,
		TicketIDs: ticketIDs,
		QueuedAt:  queuedAt,
	}
	if conversationID.Valid {
		batch.ConversationID = &conversationID.Int64
	}
	return batch, nil
}

var _ store.QueueStore = (*PostgresQueueStore)(nil)
