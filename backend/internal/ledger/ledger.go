// Package ledger defines the transactional contract of the account
// store and the fill-application logic that keeps cash balances,
// positions, and the transaction ledger mutually consistent.
//
// Every mutation runs inside a Store.WithTx scope: the implementation
// begins a database transaction, guarantees rollback on any error exit,
// and commits only when the callback returns nil. Row locks are scoped
// to that transaction, so two concurrent mutations of the same account
// serialize on AccountForUpdate.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/models"
)

// Store is the durable account store. Read methods return (nil, nil)
// when the record does not exist.
type Store interface {
	// WithTx runs fn inside one all-or-nothing transaction. A nil
	// return from fn commits; any error rolls back the whole
	// transaction. Implementations retry fn a bounded number of times
	// when the database reports a serialization conflict, so fn must
	// be safe to re-run from scratch.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Account(ctx context.Context, id uuid.UUID) (*models.Account, error)
	AccountByNumber(ctx context.Context, number string) (*models.Account, error)
	AccountsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Account, error)
	CreateAccount(ctx context.Context, acct *models.Account) error

	Order(ctx context.Context, id uuid.UUID) (*models.Order, error)
	OrdersByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Order, error)

	Position(ctx context.Context, accountID, securityID uuid.UUID) (*models.Position, error)
	PositionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Position, error)
	PositionHistoryByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.PositionHistory, error)

	TransactionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error)

	SecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error)
	UpsertSecurity(ctx context.Context, sec *models.Security) error

	BankAccount(ctx context.Context, id uuid.UUID) (*models.BankAccount, error)
	CreateBankAccount(ctx context.Context, ba *models.BankAccount) error
	Deposit(ctx context.Context, id uuid.UUID) (*models.Deposit, error)
	Withdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
}

// Tx is the mutation surface available inside one store transaction.
//
// AdjustCash and SavePosition enforce the balance guard at the same
// transactional boundary as the mutation: a resulting negative cash
// balance or position quantity fails the call (and thereby the whole
// transaction), regardless of what upstream validation concluded.
type Tx interface {
	// AccountForUpdate reads the account and locks its row for the
	// remainder of the transaction. When an operation touches two
	// accounts, callers must lock them in ascending id order.
	AccountForUpdate(ctx context.Context, id uuid.UUID) (*models.Account, error)
	SetAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error
	// AdjustCash applies a signed delta to the account's cash balance.
	// It fails with FailedPrecondition if the result would be negative.
	AdjustCash(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error

	PositionForUpdate(ctx context.Context, accountID, securityID uuid.UUID) (*models.Position, error)
	SavePosition(ctx context.Context, pos *models.Position) error
	DeletePosition(ctx context.Context, id uuid.UUID) error
	ArchivePosition(ctx context.Context, hist *models.PositionHistory) error
	HasPositions(ctx context.Context, accountID uuid.UUID) (bool, error)

	CreateOrder(ctx context.Context, o *models.Order) error
	OrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	HasOpenOrders(ctx context.Context, accountID uuid.UUID) (bool, error)

	// InsertTransaction appends one immutable ledger row. A duplicate
	// idempotency key fails the insert; callers check for replays with
	// TransactionByIdempotencyKey first.
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	TransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	// SetTransactionStatus moves a pending ledger row to completed or
	// failed. Completed and failed rows are immutable.
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error

	CreateDeposit(ctx context.Context, d *models.Deposit) error
	DepositForUpdate(ctx context.Context, id uuid.UUID) (*models.Deposit, error)
	SetDepositStatus(ctx context.Context, id uuid.UUID, status models.FundingStatus) error
	CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	SetWithdrawalStatus(ctx context.Context, id uuid.UUID, status models.FundingStatus) error
	CountPendingWithdrawals(ctx context.Context, accountID uuid.UUID) (int, error)
	CreateTransfer(ctx context.Context, tr *models.Transfer) error
}
