package ledger_test

import (
	"context"
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
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedAccount(store *ledgertest.Store, balance string) *models.Account {
	acct := &models.Account{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Number:      "000000000001",
		CashBalance: dec(balance),
		Status:      models.AccountActive,
		CreatedAt:   time.Now(),
	}
	store.SeedAccount(acct)
	return acct
}

func order(acct *models.Account, secID uuid.UUID, side models.OrderSide, qty string) *models.Order {
	return &models.Order{
		ID:         uuid.New(),
		AccountID:  acct.ID,
		SecurityID: secID,
		Symbol:     "AAPL",
		Side:       side,
		Type:       models.OrderMarket,
		Quantity:   dec(qty),
		Status:     models.OrderPending,
	}
}

func applyFill(t *testing.T, store *ledgertest.Store, f ledger.Fill) (*ledger.FillResult, error) {
	t.Helper()
	var res *ledger.FillResult
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		res, err = ledger.ApplyFill(context.Background(), tx, f)
		return err
	})
	return res, err
}

func TestApplyFillBuy(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "2000")
	secID := uuid.New()
	o := order(acct, secID, models.SideBuy, "10")
	ctx := context.Background()

	res, err := applyFill(t, store, ledger.Fill{
		Order: o, Quantity: dec("10"), Price: dec("150"),
		Key: ledger.FillKey(o.ID, 1),
	})
	require.NoError(t, err)

	assert.True(t, res.NewBalance.Equal(dec("500")))
	assert.True(t, res.NewQuantity.Equal(dec("10")))
	assert.False(t, res.Replayed)

	got, err := store.Account(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(dec("500")))

	pos, err := store.Position(ctx, acct.ID, secID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(dec("10")))
	assert.True(t, pos.AverageCost.Equal(dec("150")))

	txns, err := store.TransactionsByAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxBuy, txns[0].Type)
	assert.Equal(t, models.TxCompleted, txns[0].Status)
	assert.True(t, txns[0].Amount.Equal(dec("-1500")))
}

func TestApplyFillReplayIsNoOp(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "2000")
	secID := uuid.New()
	o := order(acct, secID, models.SideBuy, "10")
	fill := ledger.Fill{
		Order: o, Quantity: dec("10"), Price: dec("150"),
		Key: ledger.FillKey(o.ID, 1),
	}
	ctx := context.Background()

	first, err := applyFill(t, store, fill)
	require.NoError(t, err)

	// The same fill delivered again changes nothing.
	second, err := applyFill(t, store, fill)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	got, _ := store.Account(ctx, acct.ID)
	assert.True(t, got.CashBalance.Equal(dec("500")), "balance must not move twice")

	txns, _ := store.TransactionsByAccount(ctx, acct.ID)
	assert.Len(t, txns, 1)
}

func TestApplyFillBuyInsufficientFundsRollsBack(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "1000")
	secID := uuid.New()
	o := order(acct, secID, models.SideBuy, "10")
	ctx := context.Background()

	_, err := applyFill(t, store, ledger.Fill{
		Order: o, Quantity: dec("10"), Price: dec("150"),
		Key: ledger.FillKey(o.ID, 1),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.FailedPrecondition))

	// Nothing moved: no position, no ledger row, balance intact.
	got, _ := store.Account(ctx, acct.ID)
	assert.True(t, got.CashBalance.Equal(dec("1000")))
	pos, _ := store.Position(ctx, acct.ID, secID)
	assert.Nil(t, pos)
	txns, _ := store.TransactionsByAccount(ctx, acct.ID)
	assert.Empty(t, txns)
}

func TestApplyFillSellPartial(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "0")
	secID := uuid.New()
	store.SeedPosition(&models.Position{
		ID: uuid.New(), AccountID: acct.ID, SecurityID: secID,
		Symbol: "AAPL", Quantity: dec("20"), AverageCost: dec("110"),
		CreatedAt: time.Now(),
	})
	o := order(acct, secID, models.SideSell, "5")
	ctx := context.Background()

	res, err := applyFill(t, store, ledger.Fill{
		Order: o, Quantity: dec("5"), Price: dec("130"),
		Key: ledger.FillKey(o.ID, 1),
	})
	require.NoError(t, err)

	assert.True(t, res.RealizedPnL.Equal(dec("100")))
	assert.True(t, res.NewBalance.Equal(dec("650")))
	assert.True(t, res.NewQuantity.Equal(dec("15")))

	pos, _ := store.Position(ctx, acct.ID, secID)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(dec("15")))
	assert.True(t, pos.AverageCost.Equal(dec("110")), "cost basis unchanged by sells")
}

func TestApplyFillSellClosingArchivesPosition(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "0")
	secID := uuid.New()
	store.SeedPosition(&models.Position{
		ID: uuid.New(), AccountID: acct.ID, SecurityID: secID,
		Symbol: "AAPL", Quantity: dec("10"), AverageCost: dec("100"),
		CreatedAt: time.Now(),
	})
	o := order(acct, secID, models.SideSell, "10")
	ctx := context.Background()

	res, err := applyFill(t, store, ledger.Fill{
		Order: o, Quantity: dec("10"), Price: dec("95"),
		Key: ledger.FillKey(o.ID, 1),
	})
	require.NoError(t, err)
	assert.True(t, res.RealizedPnL.Equal(dec("-50")))

	pos, _ := store.Position(ctx, acct.ID, secID)
	assert.Nil(t, pos, "closed position is removed")

	history, err := store.PositionHistoryByAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].RealizedPnL.Equal(dec("-50")))
	assert.Equal(t, "AAPL", history[0].Symbol)
}

func TestApplyFillSellWithoutPosition(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "0")
	o := order(acct, uuid.New(), models.SideSell, "5")

	_, err := applyFill(t, store, ledger.Fill{
		Order: o, Quantity: dec("5"), Price: dec("100"),
		Key: ledger.FillKey(o.ID, 1),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.FailedPrecondition))
	assert.Equal(t, "insufficient_shares", apperr.CodeOf(err))
}

func TestApplyFillRejectsNonPositiveInputs(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "1000")
	o := order(acct, uuid.New(), models.SideBuy, "1")

	_, err := applyFill(t, store, ledger.Fill{Order: o, Quantity: dec("0"), Price: dec("100")})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))

	_, err = applyFill(t, store, ledger.Fill{Order: o, Quantity: dec("1"), Price: dec("-1")})
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

// The ledger-sum law: after any run of fills, the balance equals the
// opening balance plus the sum of completed transaction amounts.
func TestLedgerSumInvariant(t *testing.T) {
	store := ledgertest.New()
	acct := seedAccount(store, "10000")
	secID := uuid.New()
	ctx := context.Background()

	steps := []struct {
		side models.OrderSide
		qty  string
		px   string
	}{
		{models.SideBuy, "10", "100"},
		{models.SideBuy, "5", "120"},
		{models.SideSell, "8", "130"},
		{models.SideSell, "7", "90"},
		{models.SideBuy, "3", "110"},
	}
	for _, step := range steps {
		o := order(acct, secID, step.side, step.qty)
		_, err := applyFill(t, store, ledger.Fill{
			Order: o, Quantity: dec(step.qty), Price: dec(step.px),
			Key: ledger.FillKey(o.ID, 1),
		})
		require.NoError(t, err)
	}

	got, err := store.Account(ctx, acct.ID)
	require.NoError(t, err)

	txns, err := store.TransactionsByAccount(ctx, acct.ID)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, txn := range txns {
		if txn.Status == models.TxCompleted {
			sum = sum.Add(txn.Amount)
		}
	}
	assert.True(t, got.CashBalance.Equal(dec("10000").Add(sum)),
		"balance %s, opening+sum %s", got.CashBalance, dec("10000").Add(sum))
}
