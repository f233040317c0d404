package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// KYCStatus is the verification state of a user.
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

// User represents a login identity. Accounts belong to users.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"` // bcrypt hash, excluded from JSON responses
	KYCStatus KYCStatus `json:"kyc_status"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountStatus is the lifecycle state of a brokerage account.
type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// Account holds a customer's cash. CashBalance is mutated only inside
// ledger transactions and never goes negative.
type Account struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Number      string          `json:"account_number"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Status      AccountStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// BuyingPower is the cash available for new purchases. No margin, so it
// equals the cash balance.
func (a *Account) BuyingPower() decimal.Decimal {
	return a.CashBalance
}

// Security is a tradable instrument with its last known quote.
type Security struct {
	ID        uuid.UUID       `json:"id"`
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	LastPrice decimal.Decimal `json:"last_price"`
	PricedAt  time.Time       `json:"priced_at"`
}

// BankAccount is an external funding destination linked to a user.
// Deposits and withdrawals require Verified to be true.
type BankAccount struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Nickname  string    `json:"nickname"`
	Last4     string    `json:"last4"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// FundingStatus tracks a deposit/withdrawal/transfer through settlement.
type FundingStatus string

const (
	FundingPending   FundingStatus = "pending"
	FundingCompleted FundingStatus = "completed"
	FundingFailed    FundingStatus = "failed"
)

// Deposit is a request to move cash from a bank account into a brokerage
// account. It references the ledger Transaction it produced.
type Deposit struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	BankAccountID uuid.UUID       `json:"bank_account_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        FundingStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// Withdrawal is a request to move cash out to a bank account. Funds are
// debited immediately and held while the withdrawal is pending.
type Withdrawal struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	BankAccountID uuid.UUID       `json:"bank_account_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        FundingStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// Transfer moves cash between two brokerage accounts. It references the
// paired transfer_out/transfer_in ledger rows.
type Transfer struct {
	ID               uuid.UUID       `json:"id"`
	FromAccountID    uuid.UUID       `json:"from_account_id"`
	ToAccountID      uuid.UUID       `json:"to_account_id"`
	OutTransactionID uuid.UUID       `json:"out_transaction_id"`
	InTransactionID  uuid.UUID       `json:"in_transaction_id"`
	Amount           decimal.Decimal `json:"amount"`
	Status           FundingStatus   `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}
