package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType determines how an order is priced.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// TimeInForce is how long an order remains eligible to fill.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderStatus is a node in the order state machine.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// orderTransitions is the allowed edge set of the state machine.
// Market orders go pending -> filled directly; limit/stop orders rest
// at open and are never autonomously filled by this system.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderOpen, OrderFilled, OrderRejected, OrderCancelled},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired},
	OrderPartiallyFilled: {OrderFilled},
}

// CanTransition reports whether an order may move from one status to another.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Modifiable reports whether the order may still be changed or cancelled.
func (s OrderStatus) Modifiable() bool {
	return s == OrderPending || s == OrderOpen
}

// Order is a trade instruction against an account.
type Order struct {
	ID               uuid.UUID        `json:"id"`
	AccountID        uuid.UUID        `json:"account_id"`
	SecurityID       uuid.UUID        `json:"security_id"`
	Symbol           string           `json:"symbol"`
	Side             OrderSide        `json:"side"`
	Type             OrderType        `json:"type"`
	Quantity         decimal.Decimal  `json:"quantity"`
	LimitPrice       *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice        *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce      TimeInForce      `json:"time_in_force"`
	Status           OrderStatus      `json:"status"`
	FilledQuantity   decimal.Decimal  `json:"filled_quantity"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ExecutedAt       *time.Time       `json:"executed_at,omitempty"`
}

// ReferencePrice is the price used for buying-power checks: the limit
// price when one is set, otherwise the supplied quote.
func (o *Order) ReferencePrice(quote decimal.Decimal) decimal.Decimal {
	if o.LimitPrice != nil {
		return *o.LimitPrice
	}
	return quote
}
