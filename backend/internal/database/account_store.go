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

const accountColumns = `id, user_id, account_number, cash_balance::text, status, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	a := &models.Account{}
	var balance string
	err := row.Scan(&a.ID, &a.UserID, &a.Number, &balance, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.CashBalance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse cash balance: %w", err)
	}
	return a, nil
}

// Account retrieves an account by id. Returns (nil, nil) when absent.
func (s *Store) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// AccountByNumber retrieves an account by its external account number.
func (s *Store) AccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, number)
	return scanAccount(row)
}

// AccountsByUser lists a user's accounts.
func (s *Store) AccountsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, acct *models.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, account_number, cash_balance, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		acct.ID, acct.UserID, acct.Number, acct.CashBalance.String(), acct.Status, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.Conflict, "account_exists", "account number already in use", err)
		}
		return fmt.Errorf("create account for user %s: %w", acct.UserID, err)
	}
	return nil
}

// AccountForUpdate reads the account and locks its row for the rest of
// the transaction.
func (t *storeTx) AccountForUpdate(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

// SetAccountStatus updates the lifecycle status.
func (t *storeTx) SetAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update account %s status: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.E(apperr.NotFound, "account_not_found", "account not found")
	}
	return nil
}

// AdjustCash applies a signed delta to the cash balance. The guard is
// part of the UPDATE itself: a delta that would drive the balance
// negative affects zero rows and fails the transaction.
func (t *storeTx) AdjustCash(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts
		 SET cash_balance = cash_balance + $1, updated_at = NOW()
		 WHERE id = $2 AND cash_balance + $1 >= 0`,
		delta.String(), accountID)
	if err != nil {
		return fmt.Errorf("adjust cash for account %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing account from a guard violation.
	var exists bool
	if err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return fmt.Errorf("check account %s: %w", accountID, err)
	}
	if !exists {
		return apperr.E(apperr.NotFound, "account_not_found", "account not found")
	}
	return apperr.E(apperr.FailedPrecondition, "insufficient_funds", "cash balance would go negative")
}
