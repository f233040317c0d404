package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position is an account's holding in one security, unique per
// (account, security). Quantity never goes negative; short selling is
// not supported.
type Position struct {
	ID          uuid.UUID       `json:"id"`
	AccountID   uuid.UUID       `json:"account_id"`
	SecurityID  uuid.UUID       `json:"security_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MarketValue prices the holding at the given quote.
func (p *Position) MarketValue(quote decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(quote)
}

// ApplyBuy folds a buy fill of qty shares at price into the position,
// reweighting the average cost:
//
//	new_avg = (old_qty*old_avg + qty*price) / (old_qty + qty)
func (p *Position) ApplyBuy(qty, price decimal.Decimal) {
	newQty := p.Quantity.Add(qty)
	cost := p.Quantity.Mul(p.AverageCost).Add(qty.Mul(price))
	p.AverageCost = cost.Div(newQty)
	p.Quantity = newQty
}

// ApplySell removes qty shares sold at price and returns the realized
// P&L on the consumed quantity, (price - average_cost) * qty. The
// average cost of the remainder is unchanged. Selling more than is held
// is an error; callers validate first, this is the last line of defense.
func (p *Position) ApplySell(qty, price decimal.Decimal) (decimal.Decimal, error) {
	if qty.GreaterThan(p.Quantity) {
		return decimal.Zero, fmt.Errorf("sell %s exceeds held quantity %s", qty, p.Quantity)
	}
	p.Quantity = p.Quantity.Sub(qty)
	return price.Sub(p.AverageCost).Mul(qty), nil
}

// Closed reports whether the position has been fully sold out.
func (p *Position) Closed() bool {
	return p.Quantity.IsZero()
}

// PositionHistory archives a position at the moment it was closed,
// carrying the realized P&L booked on the final sale.
type PositionHistory struct {
	ID          uuid.UUID       `json:"id"`
	AccountID   uuid.UUID       `json:"account_id"`
	SecurityID  uuid.UUID       `json:"security_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}
