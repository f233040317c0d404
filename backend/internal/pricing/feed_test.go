package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetQuoteKnownSymbol(t *testing.T) {
	f := NewFeed(time.Hour, nil)

	q, err := f.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Price.IsPositive())
}

func TestGetQuoteUnknownSymbol(t *testing.T) {
	f := NewFeed(time.Hour, nil)

	_, err := f.GetQuote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestGetQuoteHonorsCancelledContext(t *testing.T) {
	f := NewFeed(time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.GetQuote(ctx, "AAPL")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTickMovesWithinBounds(t *testing.T) {
	f := NewFeed(time.Hour, nil)
	before := f.Snapshot()

	f.tick()

	after := f.Snapshot()
	require.Len(t, after, len(before))
	for symbol, prev := range before {
		next := after[symbol]
		assert.True(t, next.Price.IsPositive(), "%s", symbol)

		// At most 0.5% movement per tick.
		maxMove := prev.Price.Mul(decimal.NewFromFloat(0.005))
		move := next.Price.Sub(prev.Price).Abs()
		assert.True(t, move.LessThanOrEqual(maxMove),
			"%s moved %s, max %s", symbol, move, maxMove)
	}
}

func TestTickBroadcastsUpdates(t *testing.T) {
	f := NewFeed(time.Hour, nil)
	f.tick()

	select {
	case q := <-f.Updates:
		assert.NotEmpty(t, q.Symbol)
		assert.True(t, q.Price.IsPositive())
	default:
		t.Fatal("no update broadcast after tick")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := NewFeed(time.Millisecond, nil)
	f.Start()
	f.Stop()
	f.Stop()
}
