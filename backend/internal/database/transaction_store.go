package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/models"
)

const transactionColumns = `id, account_id, type, amount::text, description, status, order_id, COALESCE(idempotency_key, ''), created_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	var amount string
	err := row.Scan(&t.ID, &t.AccountID, &t.Type, &amount, &t.Description, &t.Status,
		&t.OrderID, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse transaction amount: %w", err)
	}
	return t, nil
}

// TransactionsByAccount lists the account's ledger, newest first.
func (s *Store) TransactionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("query transactions for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTransaction appends one ledger row. The ledger is append-only:
// there is no update path for amount, type, or account.
func (t *storeTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	var key any
	if txn.IdempotencyKey != "" {
		key = txn.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, description, status, order_id, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.AccountID, txn.Type, txn.Amount.String(), txn.Description, txn.Status,
		txn.OrderID, key, txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.Conflict, "duplicate_transaction", "idempotency key already used", err)
		}
		return fmt.Errorf("insert transaction for account %s: %w", txn.AccountID, err)
	}
	return nil
}

// TransactionByIdempotencyKey looks up a prior ledger row by key,
// (nil, nil) when the key has not been used.
func (t *storeTx) TransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	return scanTransaction(row)
}

// SetTransactionStatus moves a pending row to completed or failed.
// The WHERE clause enforces immutability of settled rows.
func (t *storeTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error {
	if status != models.TxCompleted && status != models.TxFailed {
		return apperr.E(apperr.InvalidArgument, "invalid_status", "pending rows move to completed or failed only")
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE transactions SET status = $2 WHERE id = $1 AND status = 'pending'`, id, status)
	if err != nil {
		return fmt.Errorf("update transaction %s status: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check transaction %s: %w", id, err)
	}
	if !exists {
		return apperr.E(apperr.NotFound, "transaction_not_found", "transaction not found")
	}
	return apperr.E(apperr.FailedPrecondition, "ledger_immutable", "only pending ledger rows may change status")
}
