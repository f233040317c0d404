package trading_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/ledger"
	"github.com/user/minibroker/backend/internal/ledger/ledgertest"
	"github.com/user/minibroker/backend/internal/models"
	"github.com/user/minibroker/backend/internal/pricing"
	"github.com/user/minibroker/backend/internal/trading"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// stubOracle serves fixed prices.
type stubOracle map[string]decimal.Decimal

func (o stubOracle) GetQuote(ctx context.Context, symbol string) (pricing.Quote, error) {
	price, ok := o[symbol]
	if !ok {
		return pricing.Quote{}, pricing.ErrUnknownSymbol
	}
	return pricing.Quote{Symbol: symbol, Price: price, Time: time.Now()}, nil
}

// hangingOracle blocks until the caller's deadline expires.
type hangingOracle struct{}

func (hangingOracle) GetQuote(ctx context.Context, symbol string) (pricing.Quote, error) {
	<-ctx.Done()
	return pricing.Quote{}, ctx.Err()
}

type fixture struct {
	store   *ledgertest.Store
	service *trading.Service
	account *models.Account
	caller  trading.Caller
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	store := ledgertest.New()
	userID := uuid.New()
	acct := &models.Account{
		ID:          uuid.New(),
		UserID:      userID,
		Number:      "000000000042",
		CashBalance: dec(balance),
		Status:      models.AccountActive,
		CreatedAt:   time.Now(),
	}
	store.SeedAccount(acct)

	oracle := stubOracle{"AAPL": dec("150"), "MSFT": dec("400")}
	svc := trading.NewService(store, oracle, nil, time.Second, nil)
	return &fixture{
		store:   store,
		service: svc,
		account: acct,
		caller:  trading.Caller{UserID: userID, KYC: models.KYCApproved},
	}
}

func marketBuy(symbol, qty string) trading.OrderRequest {
	return trading.OrderRequest{
		Symbol:      symbol,
		Side:        models.SideBuy,
		Type:        models.OrderMarket,
		Quantity:    dec(qty),
		TimeInForce: models.TIFDay,
	}
}

func TestPlaceMarketBuyFills(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, marketBuy("AAPL", "10"))
	require.NoError(t, err)

	assert.Equal(t, models.OrderFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(dec("10")))
	require.NotNil(t, order.AverageFillPrice)
	assert.True(t, order.AverageFillPrice.Equal(dec("150")))
	assert.NotNil(t, order.ExecutedAt)

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("500")))

	pos, _ := f.store.Position(ctx, f.account.ID, order.SecurityID)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(dec("10")))

	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxBuy, txns[0].Type)
}

func TestPlaceLimitOrderRests(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	limit := dec("140")
	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol:      "AAPL",
		Side:        models.SideBuy,
		Type:        models.OrderLimit,
		Quantity:    dec("10"),
		LimitPrice:  &limit,
		TimeInForce: models.TIFGTC,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderOpen, order.Status)

	// Nothing moves on the ledger for a resting order.
	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("2000")))
	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	assert.Empty(t, txns)
}

func TestPlaceOrderRejectsUnaffordableBuy(t *testing.T) {
	f := newFixture(t, "1000")

	_, err := f.service.PlaceOrder(context.Background(), f.caller, f.account.ID, marketBuy("AAPL", "10"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.FailedPrecondition))
	assert.Equal(t, "insufficient_buying_power", apperr.CodeOf(err))
}

// A rejected order leaves every piece of account state untouched.
func TestRejectedSellLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	_, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol:      "AAPL",
		Side:        models.SideSell,
		Type:        models.OrderMarket,
		Quantity:    dec("5"),
		TimeInForce: models.TIFDay,
	})
	require.Error(t, err)
	assert.Equal(t, "insufficient_shares", apperr.CodeOf(err))

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("1000")))
	orders, _ := f.store.OrdersByAccount(ctx, f.account.ID)
	assert.Empty(t, orders, "rejected orders are not persisted")
	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	assert.Empty(t, txns)
}

func TestPlaceOrderChecksInOrder(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	// Ownership outranks everything else.
	stranger := trading.Caller{UserID: uuid.New(), KYC: models.KYCApproved}
	_, err := f.service.PlaceOrder(ctx, stranger, f.account.ID, marketBuy("AAPL", "1"))
	assert.Equal(t, "not_owner", apperr.CodeOf(err))

	// KYC before the order fields.
	unverified := trading.Caller{UserID: f.caller.UserID, KYC: models.KYCPending}
	_, err = f.service.PlaceOrder(ctx, unverified, f.account.ID, marketBuy("AAPL", "0"))
	assert.Equal(t, "kyc_required", apperr.CodeOf(err))

	// Symbol resolution before the order fields.
	_, err = f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol:      "NOPE",
		Side:        "hold",
		Type:        models.OrderMarket,
		Quantity:    dec("1"),
		TimeInForce: models.TIFDay,
	})
	assert.Equal(t, "unknown_symbol", apperr.CodeOf(err))

	// Field validation once the symbol resolves.
	_, err = f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol:      "AAPL",
		Side:        "hold",
		Type:        models.OrderMarket,
		Quantity:    dec("1"),
		TimeInForce: models.TIFDay,
	})
	assert.Equal(t, "invalid_side", apperr.CodeOf(err))
}

func TestPlaceOrderUnknownSymbol(t *testing.T) {
	f := newFixture(t, "1000")

	_, err := f.service.PlaceOrder(context.Background(), f.caller, f.account.ID, marketBuy("NOPE", "1"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
	assert.Equal(t, "unknown_symbol", apperr.CodeOf(err))
}

func TestPlaceOrderOracleTimeout(t *testing.T) {
	store := ledgertest.New()
	userID := uuid.New()
	acct := &models.Account{
		ID: uuid.New(), UserID: userID, Number: "000000000001",
		CashBalance: dec("1000"), Status: models.AccountActive,
	}
	store.SeedAccount(acct)

	svc := trading.NewService(store, hangingOracle{}, nil, 10*time.Millisecond, nil)
	caller := trading.Caller{UserID: userID, KYC: models.KYCApproved}

	_, err := svc.PlaceOrder(context.Background(), caller, acct.ID, marketBuy("AAPL", "1"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.UpstreamUnavailable))
	assert.Equal(t, "oracle_unavailable", apperr.CodeOf(err))
}

func TestCancelOpenOrder(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	limit := dec("140")
	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Type: models.OrderLimit,
		Quantity: dec("5"), LimitPrice: &limit, TimeInForce: models.TIFGTC,
	})
	require.NoError(t, err)

	cancelled, err := f.service.CancelOrder(ctx, f.caller, f.account.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)

	// Terminal orders cannot be cancelled again.
	_, err = f.service.CancelOrder(ctx, f.caller, f.account.ID, order.ID)
	assert.Equal(t, "order_not_cancellable", apperr.CodeOf(err))
}

func TestCancelFilledOrderFails(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, marketBuy("AAPL", "1"))
	require.NoError(t, err)

	_, err = f.service.CancelOrder(ctx, f.caller, f.account.ID, order.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.FailedPrecondition))
}

func TestModifyOpenOrder(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	limit := dec("140")
	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Type: models.OrderLimit,
		Quantity: dec("5"), LimitPrice: &limit, TimeInForce: models.TIFGTC,
	})
	require.NoError(t, err)

	newQty := dec("8")
	newLimit := dec("145")
	updated, err := f.service.ModifyOrder(ctx, f.caller, f.account.ID, order.ID, trading.ModifyRequest{
		Quantity:   &newQty,
		LimitPrice: &newLimit,
	})
	require.NoError(t, err)
	assert.True(t, updated.Quantity.Equal(newQty))
	assert.True(t, updated.LimitPrice.Equal(newLimit))
}

// Stop orders carry no limit price, so modifications are checked
// against the current quote.
func TestModifyStopBuyRecheckedAtQuote(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	stop := dec("160")
	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Type: models.OrderStop,
		Quantity: dec("5"), StopPrice: &stop, TimeInForce: models.TIFGTC,
	})
	require.NoError(t, err)

	newQty := dec("7") // 7 * 150 = 1050 > 1000
	_, err = f.service.ModifyOrder(ctx, f.caller, f.account.ID, order.ID, trading.ModifyRequest{
		Quantity: &newQty,
	})
	require.Error(t, err)
	assert.Equal(t, "insufficient_buying_power", apperr.CodeOf(err))

	okQty := dec("6") // 6 * 150 = 900
	updated, err := f.service.ModifyOrder(ctx, f.caller, f.account.ID, order.ID, trading.ModifyRequest{
		Quantity: &okQty,
	})
	require.NoError(t, err)
	assert.True(t, updated.Quantity.Equal(okQty))
}

func TestModifyRejectsUnaffordableIncrease(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	limit := dec("100")
	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Type: models.OrderLimit,
		Quantity: dec("5"), LimitPrice: &limit, TimeInForce: models.TIFGTC,
	})
	require.NoError(t, err)

	newQty := dec("50") // 50*100 = 5000 > 1000
	_, err = f.service.ModifyOrder(ctx, f.caller, f.account.ID, order.ID, trading.ModifyRequest{
		Quantity: &newQty,
	})
	require.Error(t, err)
	assert.Equal(t, "insufficient_buying_power", apperr.CodeOf(err))

	// The order is unchanged after the failed modification.
	got, err := f.service.Order(ctx, f.caller, f.account.ID, order.ID)
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(dec("5")))
}

func TestOrderLookupScopedToAccount(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	order, err := f.service.PlaceOrder(ctx, f.caller, f.account.ID, marketBuy("AAPL", "1"))
	require.NoError(t, err)

	// Another account owned by the same user cannot see the order.
	other := &models.Account{
		ID: uuid.New(), UserID: f.caller.UserID, Number: "000000000043",
		CashBalance: decimal.Zero, Status: models.AccountActive,
	}
	f.store.SeedAccount(other)

	_, err = f.service.Order(ctx, f.caller, other.ID, order.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

// N concurrent buys, each individually affordable, must never overdraw
// the account: the balance guard admits only as many as the cash covers.
func TestConcurrentBuysNeverOverdraw(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	const workers = 8 // each buy costs 750; at most one can succeed

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.PlaceOrder(ctx, f.caller, f.account.ID, marketBuy("AAPL", "5"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, apperr.Is(err, apperr.FailedPrecondition), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.False(t, acct.CashBalance.IsNegative(), "balance went negative: %s", acct.CashBalance)
	assert.True(t, acct.CashBalance.Equal(dec("250")))
}

// conflictStore discards the first n committed attempts and re-runs
// the callback, the way the database store retries a transaction that
// hits a serialization conflict at commit.
type conflictStore struct {
	*ledgertest.Store
	conflicts int
}

var errConflictAtCommit = errors.New("serialization conflict at commit")

func (s *conflictStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	for s.conflicts > 0 {
		s.conflicts--
		err := s.Store.WithTx(ctx, func(tx ledger.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return errConflictAtCommit
		})
		if !errors.Is(err, errConflictAtCommit) {
			return err
		}
	}
	return s.Store.WithTx(ctx, fn)
}

// A conflict retry re-runs the transaction callback from scratch, so a
// market order must fill exactly once on the attempt that commits.
func TestPlaceOrderFillsOnceAfterConflictRetry(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	retrying := &conflictStore{Store: f.store, conflicts: 1}
	oracle := stubOracle{"AAPL": dec("150")}
	svc := trading.NewService(retrying, oracle, nil, time.Second, nil)

	order, err := svc.PlaceOrder(ctx, f.caller, f.account.ID, marketBuy("AAPL", "10"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(dec("10")))

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("500")), "balance: %s", acct.CashBalance)
	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	require.Len(t, txns, 1)
	orders, _ := f.store.OrdersByAccount(ctx, f.account.ID)
	require.Len(t, orders, 1)
}

func TestPlaceOrderRestsAfterConflictRetry(t *testing.T) {
	f := newFixture(t, "2000")
	ctx := context.Background()

	retrying := &conflictStore{Store: f.store, conflicts: 1}
	oracle := stubOracle{"AAPL": dec("150")}
	svc := trading.NewService(retrying, oracle, nil, time.Second, nil)

	limit := dec("140")
	order, err := svc.PlaceOrder(ctx, f.caller, f.account.ID, trading.OrderRequest{
		Symbol: "AAPL", Side: models.SideBuy, Type: models.OrderLimit,
		Quantity: dec("10"), LimitPrice: &limit, TimeInForce: models.TIFGTC,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, order.Status)

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("2000")))
	orders, _ := f.store.OrdersByAccount(ctx, f.account.ID)
	require.Len(t, orders, 1)
}
