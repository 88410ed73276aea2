package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	for _, code := range []string{CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable} {
		err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})
		require.True(t, IsRetryable(err), code)
	}
	require.False(t, IsRetryable(&pgconn.PgError{Code: CodeUniqueViolation}))
	require.False(t, IsRetryable(errors.New("boom")))
	require.False(t, IsRetryable(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "credit_transactions_order_charge_key"}
	require.True(t, IsUniqueViolation(err, ""))
	require.True(t, IsUniqueViolation(err, "credit_transactions_order_charge_key"))
	require.False(t, IsUniqueViolation(err, "other"))
	require.False(t, IsUniqueViolation(errors.New("x"), ""))
}

func TestIsCheckViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeCheckViolation, ConstraintName: "credit_transactions_check_reference"})
	require.True(t, IsCheckViolation(err, ""))
	require.True(t, IsCheckViolation(err, "credit_transactions_check_reference"))
	require.False(t, IsCheckViolation(err, "credit_transactions_sign"))
	require.False(t, IsCheckViolation(&pgconn.PgError{Code: CodeUniqueViolation}, ""))
	require.False(t, IsRetryable(err))
}
