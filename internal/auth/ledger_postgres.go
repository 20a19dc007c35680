package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger calls the deduct_credits function directly on the database
// that backs the credit balances.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Debit(ctx context.Context, userID string, amount int) error {
	_, err := l.db.Exec(ctx, `SELECT deduct_credits($1::uuid, $2)`, userID, amount)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && isBalanceRefusal(pgErr.Code) {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, pgErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}
