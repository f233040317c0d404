package pricing

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Feed is a simulated quote source: a random walk over a fixed symbol
// universe, updated on a timer and broadcast over Updates. It
// implements Oracle.
type Feed struct {
	mu     sync.RWMutex
	quotes map[string]Quote

	// Updates receives every price change. Sends are non-blocking;
	// a full channel drops updates rather than stalling the walk.
	Updates chan Quote

	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// defaultUniverse seeds the simulated market.
var defaultUniverse = map[string]float64{
	"AAPL": 180.00,
	"GOOG": 140.00,
	"MSFT": 410.00,
	"TSLA": 250.00,
	"SPY":  520.00,
}

// NewFeed creates a feed over the default symbol universe.
func NewFeed(interval time.Duration, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		quotes:   make(map[string]Quote, len(defaultUniverse)),
		Updates:  make(chan Quote, 100),
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	now := time.Now()
	for symbol, price := range defaultUniverse {
		f.quotes[symbol] = Quote{
			Symbol: symbol,
			Price:  decimal.NewFromFloat(price),
			Time:   now,
		}
	}
	return f
}

// Start launches the background walk. Stop terminates it.
func (f *Feed) Start() {
	go f.run()
}

// Stop halts the background walk.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *Feed) run() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.tick()
		}
	}
}

// tick moves every symbol by at most +/-0.5% and broadcasts the result.
func (f *Feed) tick() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for symbol, q := range f.quotes {
		change := decimal.NewFromFloat((rand.Float64() - 0.5) / 100)
		price := q.Price.Mul(decimal.NewFromInt(1).Add(change))
		if !price.IsPositive() {
			price = q.Price
		}
		next := Quote{Symbol: symbol, Price: price, Time: now}
		f.quotes[symbol] = next

		select {
		case f.Updates <- next:
		default:
			f.logger.Warn("quote channel full, dropping update", "symbol", symbol)
		}
	}
}

// GetQuote implements Oracle.
func (f *Feed) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, ok := f.quotes[symbol]
	if !ok {
		return Quote{}, ErrUnknownSymbol
	}
	return q, nil
}

// Snapshot returns a copy of the current quotes.
func (f *Feed) Snapshot() map[string]Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]Quote, len(f.quotes))
	for s, q := range f.quotes {
		out[s] = q
	}
	return out
}
