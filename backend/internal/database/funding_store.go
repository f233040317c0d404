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

// BankAccount retrieves a linked bank account, (nil, nil) when absent.
func (s *Store) BankAccount(ctx context.Context, id uuid.UUID) (*models.BankAccount, error) {
	ba := &models.BankAccount{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, nickname, last4, verified, created_at FROM bank_accounts WHERE id = $1`,
		id).Scan(&ba.ID, &ba.UserID, &ba.Nickname, &ba.Last4, &ba.Verified, &ba.CreatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get bank account %s: %w", id, err)
	}
	return ba, nil
}

// CreateBankAccount links a new bank account to a user.
func (s *Store) CreateBankAccount(ctx context.Context, ba *models.BankAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bank_accounts (id, user_id, nickname, last4, verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ba.ID, ba.UserID, ba.Nickname, ba.Last4, ba.Verified, ba.CreatedAt)
	if err != nil {
		return fmt.Errorf("create bank account for user %s: %w", ba.UserID, err)
	}
	return nil
}

const depositColumns = `id, account_id, bank_account_id, transaction_id, amount::text, status, created_at, settled_at`

func scanDeposit(row pgx.Row) (*models.Deposit, error) {
	d := &models.Deposit{}
	var amount string
	err := row.Scan(&d.ID, &d.AccountID, &d.BankAccountID, &d.TransactionID, &amount,
		&d.Status, &d.CreatedAt, &d.SettledAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan deposit: %w", err)
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse deposit amount: %w", err)
	}
	return d, nil
}

// Deposit retrieves a deposit request, (nil, nil) when absent.
func (s *Store) Deposit(ctx context.Context, id uuid.UUID) (*models.Deposit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id)
	return scanDeposit(row)
}

const withdrawalColumns = `id, account_id, bank_account_id, transaction_id, amount::text, status, created_at, settled_at`

func scanWithdrawal(row pgx.Row) (*models.Withdrawal, error) {
	w := &models.Withdrawal{}
	var amount string
	err := row.Scan(&w.ID, &w.AccountID, &w.BankAccountID, &w.TransactionID, &amount,
		&w.Status, &w.CreatedAt, &w.SettledAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	return w, nil
}

// Withdrawal retrieves a withdrawal request, (nil, nil) when absent.
func (s *Store) Withdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

func (t *storeTx) CreateDeposit(ctx context.Context, d *models.Deposit) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO deposits (id, account_id, bank_account_id, transaction_id, amount, status, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.AccountID, d.BankAccountID, d.TransactionID, d.Amount.String(), d.Status, d.CreatedAt, d.SettledAt)
	if err != nil {
		return fmt.Errorf("create deposit for account %s: %w", d.AccountID, err)
	}
	return nil
}

// DepositForUpdate reads and row-locks a deposit, (nil, nil) when absent.
func (t *storeTx) DepositForUpdate(ctx context.Context, id uuid.UUID) (*models.Deposit, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE`, id)
	return scanDeposit(row)
}

func (t *storeTx) SetDepositStatus(ctx context.Context, id uuid.UUID, status models.FundingStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE deposits SET status = $2, settled_at = NOW() WHERE id = $1 AND status = 'pending'`,
		id, status)
	if err != nil {
		return fmt.Errorf("update deposit %s status: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.E(apperr.FailedPrecondition, "deposit_not_pending", "deposit not found or already settled")
	}
	return nil
}

func (t *storeTx) CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO withdrawals (id, account_id, bank_account_id, transaction_id, amount, status, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.AccountID, w.BankAccountID, w.TransactionID, w.Amount.String(), w.Status, w.CreatedAt, w.SettledAt)
	if err != nil {
		return fmt.Errorf("create withdrawal for account %s: %w", w.AccountID, err)
	}
	return nil
}

// WithdrawalForUpdate reads and row-locks a withdrawal, (nil, nil) when absent.
func (t *storeTx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id)
	return scanWithdrawal(row)
}

func (t *storeTx) SetWithdrawalStatus(ctx context.Context, id uuid.UUID, status models.FundingStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE withdrawals SET status = $2, settled_at = NOW() WHERE id = $1 AND status = 'pending'`,
		id, status)
	if err != nil {
		return fmt.Errorf("update withdrawal %s status: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.E(apperr.FailedPrecondition, "withdrawal_not_pending", "withdrawal not found or already settled")
	}
	return nil
}

// CountPendingWithdrawals counts the account's unsettled withdrawals.
func (t *storeTx) CountPendingWithdrawals(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM withdrawals WHERE account_id = $1 AND status = 'pending'`,
		accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending withdrawals for account %s: %w", accountID, err)
	}
	return n, nil
}

func (t *storeTx) CreateTransfer(ctx context.Context, tr *models.Transfer) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transfers (id, from_account_id, to_account_id, out_transaction_id, in_transaction_id, amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tr.ID, tr.FromAccountID, tr.ToAccountID, tr.OutTransactionID, tr.InTransactionID,
		tr.Amount.String(), tr.Status, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("create transfer from account %s: %w", tr.FromAccountID, err)
	}
	return nil
}
