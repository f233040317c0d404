package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/models"
)

// Fill describes one execution of an order: qty shares at price.
// Key is the fill's idempotency key; replaying a fill with a key that
// has already been applied is a no-op.
type Fill struct {
	Order    *models.Order
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Key      string
}

// FillKey derives the idempotency key for the n-th fill of an order.
func FillKey(orderID uuid.UUID, seq int) string {
	return fmt.Sprintf("fill:%s:%d", orderID, seq)
}

// FillResult reports what ApplyFill changed.
type FillResult struct {
	Transaction *models.Transaction
	NewBalance  decimal.Decimal
	NewQuantity decimal.Decimal
	RealizedPnL decimal.Decimal
	// Replayed is true when the fill had already been applied and no
	// state was changed.
	Replayed bool
}

// ApplyFill applies one fill inside tx: it adjusts the cash balance,
// upserts (or closes) the position, and appends the trade's ledger row.
// All three effects commit or roll back together with the enclosing
// transaction.
//
// For a buy of q at p: cash -= q*p, position gains q shares at
// weighted-average cost. For a sell: cash += q*p, position loses q
// shares; when the position reaches zero it is archived to history with
// the realized P&L of the final sale and deleted.
func ApplyFill(ctx context.Context, tx Tx, f Fill) (*FillResult, error) {
	if f.Quantity.Sign() <= 0 || f.Price.Sign() <= 0 {
		return nil, apperr.E(apperr.InvalidArgument, "invalid_fill", "fill quantity and price must be positive")
	}

	if f.Key != "" {
		prior, err := tx.TransactionByIdempotencyKey(ctx, f.Key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return &FillResult{Transaction: prior, Replayed: true}, nil
		}
	}

	// Lock the account row first; all concurrent mutations of this
	// account serialize here.
	acct, err := tx.AccountForUpdate(ctx, f.Order.AccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, apperr.E(apperr.NotFound, "account_not_found", "account not found")
	}

	executedValue := f.Quantity.Mul(f.Price)
	now := time.Now()
	res := &FillResult{}

	switch f.Order.Side {
	case models.SideBuy:
		if err := tx.AdjustCash(ctx, acct.ID, executedValue.Neg()); err != nil {
			return nil, err
		}
		res.NewBalance = acct.CashBalance.Sub(executedValue)

		pos, err := tx.PositionForUpdate(ctx, acct.ID, f.Order.SecurityID)
		if err != nil {
			return nil, err
		}
		if pos == nil {
			pos = &models.Position{
				ID:          uuid.New(),
				AccountID:   acct.ID,
				SecurityID:  f.Order.SecurityID,
				Symbol:      f.Order.Symbol,
				Quantity:    decimal.Zero,
				AverageCost: decimal.Zero,
				CreatedAt:   now,
			}
		}
		pos.ApplyBuy(f.Quantity, f.Price)
		pos.UpdatedAt = now
		if err := tx.SavePosition(ctx, pos); err != nil {
			return nil, err
		}
		res.NewQuantity = pos.Quantity

	case models.SideSell:
		pos, err := tx.PositionForUpdate(ctx, acct.ID, f.Order.SecurityID)
		if err != nil {
			return nil, err
		}
		if pos == nil {
			return nil, apperr.E(apperr.FailedPrecondition, "insufficient_shares", "no position to sell")
		}
		realized, err := pos.ApplySell(f.Quantity, f.Price)
		if err != nil {
			return nil, apperr.Wrap(apperr.FailedPrecondition, "insufficient_shares", "sell exceeds held quantity", err)
		}
		res.RealizedPnL = realized

		if pos.Closed() {
			if err := tx.ArchivePosition(ctx, &models.PositionHistory{
				ID:          uuid.New(),
				AccountID:   acct.ID,
				SecurityID:  pos.SecurityID,
				Symbol:      pos.Symbol,
				Quantity:    f.Quantity,
				AverageCost: pos.AverageCost,
				RealizedPnL: realized,
				OpenedAt:    pos.CreatedAt,
				ClosedAt:    now,
			}); err != nil {
				return nil, err
			}
			if err := tx.DeletePosition(ctx, pos.ID); err != nil {
				return nil, err
			}
		} else {
			pos.UpdatedAt = now
			if err := tx.SavePosition(ctx, pos); err != nil {
				return nil, err
			}
		}
		res.NewQuantity = pos.Quantity

		if err := tx.AdjustCash(ctx, acct.ID, executedValue); err != nil {
			return nil, err
		}
		res.NewBalance = acct.CashBalance.Add(executedValue)

	default:
		return nil, apperr.Errorf(apperr.InvalidArgument, "invalid_side", "unknown order side %q", f.Order.Side)
	}

	txType := models.TxBuy
	amount := executedValue.Neg()
	if f.Order.Side == models.SideSell {
		txType = models.TxSell
		amount = executedValue
	}
	orderID := f.Order.ID
	txn := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      acct.ID,
		Type:           txType,
		Amount:         amount,
		Description:    fmt.Sprintf("%s %s %s @ %s", f.Order.Side, f.Quantity, f.Order.Symbol, f.Price),
		Status:         models.TxCompleted, // trade entries settle instantly
		OrderID:        &orderID,
		IdempotencyKey: f.Key,
		CreatedAt:      now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	res.Transaction = txn
	return res, nil
}
