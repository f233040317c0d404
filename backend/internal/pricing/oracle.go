// Package pricing provides the price oracle consumed by order
// execution, plus a simulated quote feed for local operation.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol is returned when the oracle has no quote source for
// a symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Quote is a point-in-time price for a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"ts"`
}

// Oracle supplies current quotes. Implementations may be slow or fail;
// callers bound every call with a timeout and treat failure as order
// rejection, never partial processing.
type Oracle interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}
