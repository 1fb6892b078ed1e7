package pgstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/inventory"
)

func TestTxErrorMapsRetryableCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01"} {
		err := TxError(fmt.Errorf("platform/db: commit tx: %w", &pgconn.PgError{Code: code}))
		require.ErrorIs(t, err, inventory.ErrConcurrentModification, code)
		var pgErr *pgconn.PgError
		require.ErrorAs(t, err, &pgErr)
		require.Equal(t, code, pgErr.Code)
	}

	unique := &pgconn.PgError{Code: "23505"}
	require.Equal(t, error(unique), TxError(unique))
	require.NoError(t, TxError(nil))

	plain := errors.New("boom")
	require.Equal(t, plain, TxError(plain))
	conflict := fmt.Errorf("lot 3: %w", inventory.ErrConcurrentModification)
	require.Equal(t, conflict, TxError(conflict))
}

func TestRetryPolicyReplaysSerializationFailure(t *testing.T) {
	policy := inventory.RetryPolicy{MaxAttempts: 2}
	calls := 0
	err := policy.Do(t.Context(), nil, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return TxError(&pgconn.PgError{Code: "40001"})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
