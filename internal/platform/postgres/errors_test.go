package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/forgeloop/dispatch-api/internal/platform/postgres"
	"github.com/forgeloop/dispatch-api/internal/store"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	t.Run("nil error maps to nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, postgres.MapError(nil))
	})

	t.Run("sql.ErrNoRows maps to ErrNotFound", func(t *testing.T) {
		t.Parallel()
		err := postgres.MapError(sql.ErrNoRows)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unique violation maps to ErrDuplicate", func(t *testing.T) {
		t.Parallel()
		pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "ticket_batches_task_id_key"}
		err := postgres.MapError(fmt.Errorf("insert failed: %w", pgErr))
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("connection failure maps to ErrUnavailable", func(t *testing.T) {
		t.Parallel()
		pgErr := &pgconn.PgError{Code: "08006"}
		err := postgres.MapError(pgErr)
		assert.ErrorIs(t, err, store.ErrUnavailable)
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		t.Parallel()
		original := errors.New("something else")
		assert.Equal(t, original, postgres.MapError(original))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, postgres.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, postgres.IsUniqueViolation(errors.New("not a pg error")))
}
