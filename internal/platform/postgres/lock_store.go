package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/dispatch-api/internal/platform/logger"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// PostgresLockStore implements the store.LockStore interface using
// PostgreSQL. One row per project; an atomic upsert that only overwrites
// expired rows gives set-if-absent semantics with lease stealing. All expiry
// comparisons use the database clock so multiple dispatcher processes never
// disagree about liveness.
type PostgresLockStore struct {
	db store.DBTX
}

// NewPostgresLockStore creates a new PostgresLockStore.
func NewPostgresLockStore(db store.DBTX) *PostgresLockStore {
	return &PostgresLockStore{
		db: db,
	}
}

// Acquire attempts an atomic set-if-absent with TTL. An existing row is only
// overwritten when its lease has expired, so a crashed holder blocks the
// project for at most one TTL.
func (s *PostgresLockStore) Acquire(ctx context.Context, projectID int64, holder uuid.UUID, ttl time.Duration) (bool, error) {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO project_locks (project_id, holder, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (project_id) DO UPDATE
		SET holder      = EXCLUDED.holder,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at  = EXCLUDED.expires_at
		WHERE project_locks.expires_at <= now()
	`

	result, err := s.db.ExecContext(ctx, query, projectID, holder, ttl.Seconds())
	if err != nil {
		log.Error("failed to acquire project lock",
			"project_id", projectID,
			"error", err)
		return false, fmt.Errorf("failed to acquire project lock: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// Renew extends the TTL of a lock this holder owns. An expired lease cannot
// be renewed even by its original holder; it must be re-acquired.
func (s *PostgresLockStore) Renew(ctx context.Context, projectID int64, holder uuid.UUID, ttl time.Duration) error {
	query := `
		UPDATE project_locks
		SET expires_at = now() + make_interval(secs => $3)
		WHERE project_id = $1 AND holder = $2 AND expires_at > now()
	`

	result, err := s.db.ExecContext(ctx, query, projectID, holder, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to renew project lock: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrLockNotHeld
	}

	return nil
}

// Release deletes a lock this holder owns.
func (s *PostgresLockStore) Release(ctx context.Context, projectID int64, holder uuid.UUID) error {
	query := `
		DELETE FROM project_locks
		WHERE project_id = $1 AND holder = $2
	`

	result, err := s.db.ExecContext(ctx, query, projectID, holder)
	if err != nil {
		return fmt.Errorf("failed to release project lock: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrLockNotHeld
	}

	return nil
}

// IsHeld reports whether an unexpired lock exists for the project.
func (s *PostgresLockStore) IsHeld(ctx context.Context, projectID int64) (bool, error) {
	var held bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM project_locks WHERE project_id = $1 AND expires_at > now())`,
		projectID).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to check project lock: %w", MapError(err))
	}
	return held, nil
}

// ForceRelease unconditionally deletes the project's lock, whoever holds it.
func (s *PostgresLockStore) ForceRelease(ctx context.Context, projectID int64) (bool, error) {
	log := logger.FromContext(ctx)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM project_locks WHERE project_id = $1`, projectID)
	if err != nil {
		log.Error("failed to force-release project lock",
			"project_id", projectID,
			"error", err)
		return false, fmt.Errorf("failed to force-release project lock: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// HeldProjects returns the IDs of all projects with an unexpired lock.
func (s *PostgresLockStore) HeldProjects(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id FROM project_locks WHERE expires_at > now() ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list held project locks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var projectID int64
		if err := rows.Scan(&projectID); err != nil {
			return nil, fmt.Errorf("failed to scan lock row: %w", err)
		}
		ids = append(ids, projectID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lock rows: %w", MapError(err))
	}

	return ids, nil
}

var _ store.LockStore = (*PostgresLockStore)(nil)
