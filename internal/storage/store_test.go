package storage_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/pms-org/pms-trade-capture/internal/storage"
)

func TestIsUniqueViolationDetectsSQLState23505(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	assert.True(t, storage.IsUniqueViolation(pgErr))
}

func TestIsUniqueViolationFalseForOtherSQLState(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23503", Message: "foreign key violation"}
	assert.False(t, storage.IsUniqueViolation(pgErr))
}

func TestIsUniqueViolationUnwrapsWrappedError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505"}
	wrapped := fmt.Errorf("storage: insert failed: %w", pgErr)
	assert.True(t, storage.IsUniqueViolation(wrapped))
}

func TestIsUniqueViolationFalseForUnrelatedError(t *testing.T) {
	assert.False(t, storage.IsUniqueViolation(errors.New("connection reset")))
	assert.False(t, storage.IsUniqueViolation(nil))
}
