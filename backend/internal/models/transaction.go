package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxBuy         TransactionType = "buy"
	TxSell        TransactionType = "sell"
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
	TxTransferIn  TransactionType = "transfer_in"
	TxTransferOut TransactionType = "transfer_out"
	TxFee         TransactionType = "fee"
	TxAdjustment  TransactionType = "adjustment"
)

// TransactionStatus is the settlement state of a ledger entry. Trade
// entries are created completed; funding entries move pending ->
// completed|failed and are never touched again after that.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is one immutable row of the append-only ledger. Amount is
// signed: negative for cash leaving the account, positive for cash
// arriving. The sum of completed amounts plus the opening balance must
// always equal the account's cash balance.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	AccountID      uuid.UUID         `json:"account_id"`
	Type           TransactionType   `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	Description    string            `json:"description"`
	Status         TransactionStatus `json:"status"`
	OrderID        *uuid.UUID        `json:"order_id,omitempty"`
	IdempotencyKey string            `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
}
