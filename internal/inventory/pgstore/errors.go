package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/platform/db"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// TxError maps serialization failures and deadlocks to
// inventory.ErrConcurrentModification so the retry policy replays the
// transaction. Other errors pass through unchanged.
func TxError(err error) error {
	if err == nil || errors.Is(err, inventory.ErrConcurrentModification) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return fmt.Errorf("%w: %w", inventory.ErrConcurrentModification, err)
	}
	return err
}

// WithTx is db.WithTx with TxError applied to the outcome, commit included.
func WithTx(ctx context.Context, beginner db.TxBeginner, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	return TxError(db.WithTx(ctx, beginner, opts, fn))
}
