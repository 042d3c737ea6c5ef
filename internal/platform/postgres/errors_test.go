package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/glyph-api/internal/platform/postgres"
	"github.com/phrazzld/glyph-api/internal/store"
	"github.com/stretchr/testify/assert"
)

func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "task_archive",
		ColumnName:     "target_language",
		ConstraintName: "task_archive_status_check",
	}
}

// an error class MapError leaves alone
var syntaxErr = newPgError("42601")

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "no rows", err: sql.ErrNoRows, target: store.ErrNotFound},
		{name: "unique violation", err: newPgError("23505"), target: store.ErrDuplicate},
		{name: "foreign key violation", err: newPgError("23503"), target: store.ErrInvalidEntity},
		{name: "check violation", err: newPgError("23514"), target: store.ErrInvalidEntity},
		{name: "not null violation", err: newPgError("23502"), target: store.ErrInvalidEntity},
		{name: "connection failure", err: newPgError("08006"), target: store.ErrUnavailable},
		{name: "admin shutdown", err: newPgError("57P01"), target: store.ErrUnavailable},
		{name: "connection done", err: sql.ErrConnDone, target: store.ErrUnavailable},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", newPgError("23505")), target: store.ErrDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mapped := postgres.MapError(tt.err)
			assert.ErrorIs(t, mapped, tt.target)
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, postgres.MapError(nil))
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("syntax error")
		assert.Same(t, orig, postgres.MapError(orig))
		assert.Same(t, error(syntaxErr), postgres.MapError(syntaxErr))
	})
}
