// Package notify carries mutation-core events to connected clients.
// The core emits and never awaits: a slow or absent consumer cannot
// block or fail a committed mutation.
package notify

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is one state-transition notification frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// OrderFilledEvent is emitted once per executed order.
type OrderFilledEvent struct {
	OrderID   uuid.UUID       `json:"order_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// BalanceChangedEvent is emitted whenever a cash balance moves.
type BalanceChangedEvent struct {
	AccountID  uuid.UUID       `json:"account_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// PositionChangedEvent is emitted whenever a holding changes quantity.
type PositionChangedEvent struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Symbol      string          `json:"symbol"`
	NewQuantity decimal.Decimal `json:"new_quantity"`
}

// Notifier receives events after the mutation that produced them has
// committed. Implementations must not block.
type Notifier interface {
	OrderFilled(e OrderFilledEvent)
	BalanceChanged(e BalanceChangedEvent)
	PositionChanged(e PositionChangedEvent)
}

// Nop is a Notifier that discards everything. Used in tests.
type Nop struct{}

func (Nop) OrderFilled(OrderFilledEvent)         {}
func (Nop) BalanceChanged(BalanceChangedEvent)   {}
func (Nop) PositionChanged(PositionChangedEvent) {}
