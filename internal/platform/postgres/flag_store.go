package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeloop/dispatch-api/internal/platform/logger"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// PostgresCancellationStore implements the store.CancellationStore interface
// using PostgreSQL. Flags carry an expires_at column instead of relying on an
// external expiry mechanism; expired rows are treated as absent and reaped
// opportunistically on Set.
type PostgresCancellationStore struct {
	db store.DBTX
}

// NewPostgresCancellationStore creates a new PostgresCancellationStore.
func NewPostgresCancellationStore(db store.DBTX) *PostgresCancellationStore {
	return &PostgresCancellationStore{
		db: db,
	}
}

// Set raises the cancellation flag for a ticket. A repeated Set refreshes
// the TTL.
func (s *PostgresCancellationStore) Set(ctx context.Context, ticketID int64, ttl time.Duration) error {
	log := logger.FromContext(ctx)

	s.reapExpired(ctx)

	query := `
		INSERT INTO cancellation_flags (ticket_id, requested_at, expires_at)
		VALUES ($1, now(), now() + make_interval(secs => $2))
		ON CONFLICT (ticket_id) DO UPDATE
		SET requested_at = EXCLUDED.requested_at,
		    expires_at   = EXCLUDED.expires_at
	`

	if _, err := s.db.ExecContext(ctx, query, ticketID, ttl.Seconds()); err != nil {
		log.Error("failed to set cancellation flag",
			"ticket_id", ticketID,
			"error", err)
		return fmt.Errorf("failed to set cancellation flag: %w", MapError(err))
	}

	return nil
}

// IsSet reports whether an unexpired flag exists for the ticket.
func (s *PostgresCancellationStore) IsSet(ctx context.Context, ticketID int64) (bool, error) {
	var set bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cancellation_flags WHERE ticket_id = $1 AND expires_at > now())`,
		ticketID).Scan(&set)
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation flag: %w", MapError(err))
	}
	return set, nil
}

// Clear removes the flag.
func (s *PostgresCancellationStore) Clear(ctx context.Context, ticketID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cancellation_flags WHERE ticket_id = $1`, ticketID); err != nil {
		return fmt.Errorf("failed to clear cancellation flag: %w", MapError(err))
	}
	return nil
}

// ClearAll removes the flags for every given ticket. The IDs travel as jsonb
// because the stdlib driver interface cannot bind bigint arrays.
func (s *PostgresCancellationStore) ClearAll(ctx context.Context, ticketIDs []int64) error {
	if len(ticketIDs) == 0 {
		return nil
	}

	query := `
		DELETE FROM cancellation_flags
		WHERE ticket_id IN (SELECT jsonb_array_elements_text($1::jsonb)::bigint)
	`

	if _, err := s.db.ExecContext(ctx, query, idsToJSON(ticketIDs)); err != nil {
		return fmt.Errorf("failed to clear cancellation flags: %w", MapError(err))
	}
	return nil
}

// reapExpired best-effort deletes expired flag rows so the table stays
// bounded without a dedicated janitor.
func (s *PostgresCancellationStore) reapExpired(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cancellation_flags WHERE expires_at <= now()`); err != nil {
		logger.FromContext(ctx).Warn("failed to reap expired cancellation flags",
			"error", err)
	}
}

var _ store.CancellationStore = (*PostgresCancellationStore)(nil)
