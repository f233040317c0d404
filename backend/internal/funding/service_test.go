package funding_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/config"
	"github.com/user/minibroker/backend/internal/funding"
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

type fixture struct {
	store   *ledgertest.Store
	service *funding.Service
	caller  funding.Caller
	account *models.Account
	bank    *models.BankAccount
}

func newFixture(t *testing.T, balance string, cfg config.FundingConfig) *fixture {
	t.Helper()
	store := ledgertest.New()
	userID := uuid.New()
	acct := &models.Account{
		ID:          uuid.New(),
		UserID:      userID,
		Number:      "000000000001",
		CashBalance: dec(balance),
		Status:      models.AccountActive,
		CreatedAt:   time.Now(),
	}
	store.SeedAccount(acct)
	bank := &models.BankAccount{
		ID:       uuid.New(),
		UserID:   userID,
		Nickname: "checking",
		Last4:    "4321",
		Verified: true,
	}
	store.SeedBankAccount(bank)

	svc := funding.NewService(store, nil, cfg, nil)
	return &fixture{
		store:   store,
		service: svc,
		caller:  funding.Caller{UserID: userID},
		account: acct,
		bank:    bank,
	}
}

func instantCfg() config.FundingConfig {
	return config.FundingConfig{
		DepositCeiling:        dec("50000"),
		MaxPendingWithdrawals: 3,
		InstantSettlement:     true,
	}
}

func deferredCfg() config.FundingConfig {
	cfg := instantCfg()
	cfg.InstantSettlement = false
	return cfg
}

// completedSum adds up the completed ledger rows for an account.
func completedSum(t *testing.T, store *ledgertest.Store, accountID uuid.UUID) decimal.Decimal {
	t.Helper()
	txns, err := store.TransactionsByAccount(context.Background(), accountID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, txn := range txns {
		if txn.Status == models.TxCompleted {
			sum = sum.Add(txn.Amount)
		}
	}
	return sum
}

func TestDepositInstantSettlement(t *testing.T) {
	f := newFixture(t, "100", instantCfg())
	ctx := context.Background()

	dep, err := f.service.Deposit(ctx, f.caller, f.account.ID, f.bank.ID, dec("500"))
	require.NoError(t, err)
	assert.Equal(t, models.FundingCompleted, dep.Status)

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("600")))

	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxDeposit, txns[0].Type)
	assert.Equal(t, models.TxCompleted, txns[0].Status)
	assert.True(t, txns[0].Amount.Equal(dec("500")))
}

func TestDepositDeferredSettlement(t *testing.T) {
	f := newFixture(t, "100", deferredCfg())
	ctx := context.Background()

	dep, err := f.service.Deposit(ctx, f.caller, f.account.ID, f.bank.ID, dec("500"))
	require.NoError(t, err)
	assert.Equal(t, models.FundingPending, dep.Status)

	// Nothing credited until settlement confirms.
	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("100")))

	require.NoError(t, f.service.SettleDeposit(ctx, dep.ID, true))
	acct, _ = f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("600")))

	got, _ := f.store.Deposit(ctx, dep.ID)
	assert.Equal(t, models.FundingCompleted, got.Status)

	// Settling twice is refused.
	err = f.service.SettleDeposit(ctx, dep.ID, true)
	assert.Equal(t, "deposit_not_pending", apperr.CodeOf(err))
}

func TestDepositRejectedSettlement(t *testing.T) {
	f := newFixture(t, "100", deferredCfg())
	ctx := context.Background()

	dep, err := f.service.Deposit(ctx, f.caller, f.account.ID, f.bank.ID, dec("500"))
	require.NoError(t, err)

	require.NoError(t, f.service.SettleDeposit(ctx, dep.ID, false))

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("100")))
	got, _ := f.store.Deposit(ctx, dep.ID)
	assert.Equal(t, models.FundingFailed, got.Status)
	assert.True(t, completedSum(t, f.store, f.account.ID).IsZero())
}

func TestDepositCeiling(t *testing.T) {
	f := newFixture(t, "0", instantCfg())

	_, err := f.service.Deposit(context.Background(), f.caller, f.account.ID, f.bank.ID, dec("50001"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.FailedPrecondition))
	assert.Equal(t, "deposit_limit_exceeded", apperr.CodeOf(err))
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t, "0", instantCfg())
	ctx := context.Background()

	_, err := f.service.Deposit(ctx, f.caller, f.account.ID, f.bank.ID, dec("0"))
	assert.Equal(t, "invalid_amount", apperr.CodeOf(err))

	// Unverified bank account.
	unverified := &models.BankAccount{ID: uuid.New(), UserID: f.caller.UserID, Last4: "9999"}
	f.store.SeedBankAccount(unverified)
	_, err = f.service.Deposit(ctx, f.caller, f.account.ID, unverified.ID, dec("100"))
	assert.Equal(t, "bank_account_unverified", apperr.CodeOf(err))

	// Someone else's bank account.
	stranger := &models.BankAccount{ID: uuid.New(), UserID: uuid.New(), Last4: "1111", Verified: true}
	f.store.SeedBankAccount(stranger)
	_, err = f.service.Deposit(ctx, f.caller, f.account.ID, stranger.ID, dec("100"))
	assert.Equal(t, "not_owner", apperr.CodeOf(err))
}

func TestWithdrawHoldsFundsImmediately(t *testing.T) {
	f := newFixture(t, "1000", instantCfg())
	ctx := context.Background()

	wd, err := f.service.Withdraw(ctx, f.caller, f.account.ID, f.bank.ID, dec("400"))
	require.NoError(t, err)
	assert.Equal(t, models.FundingPending, wd.Status)

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("600")))

	// The ledger row is completed at debit time: the cash is gone.
	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxWithdrawal, txns[0].Type)
	assert.Equal(t, models.TxCompleted, txns[0].Status)
	assert.True(t, txns[0].Amount.Equal(dec("-400")))
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(t, "100", instantCfg())
	ctx := context.Background()

	_, err := f.service.Withdraw(ctx, f.caller, f.account.ID, f.bank.ID, dec("400"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.FailedPrecondition))

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("100")))
	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	assert.Empty(t, txns, "failed withdrawal writes nothing")
}

func TestWithdrawPendingCap(t *testing.T) {
	cfg := instantCfg()
	cfg.MaxPendingWithdrawals = 2
	f := newFixture(t, "1000", cfg)
	ctx := context.Background()

	_, err := f.service.Withdraw(ctx, f.caller, f.account.ID, f.bank.ID, dec("100"))
	require.NoError(t, err)
	_, err = f.service.Withdraw(ctx, f.caller, f.account.ID, f.bank.ID, dec("100"))
	require.NoError(t, err)

	_, err = f.service.Withdraw(ctx, f.caller, f.account.ID, f.bank.ID, dec("100"))
	require.Error(t, err)
	assert.Equal(t, "pending_withdrawal_limit", apperr.CodeOf(err))
}

func TestSettleWithdrawalConfirmed(t *testing.T) {
	f := newFixture(t, "1000", instantCfg())
	ctx := context.Background()

	wd, err := f.service.Withdraw(ctx, f.caller, f.account.ID, f.bank.ID, dec("400"))
	require.NoError(t, err)

	require.NoError(t, f.service.SettleWithdrawal(ctx, wd.ID, true))

	got, _ := f.store.Withdrawal(ctx, wd.ID)
	assert.Equal(t, models.FundingCompleted, got.Status)
	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("600")), "confirmation does not move cash again")
}

func TestSettleWithdrawalReversedRefunds(t *testing.T) {
	f := newFixture(t, "1000", instantCfg())
	ctx := context.Background()

	wd, err := f.service.Withdraw(ctx, f.caller, f.account.ID, f.bank.ID, dec("400"))
	require.NoError(t, err)

	require.NoError(t, f.service.SettleWithdrawal(ctx, wd.ID, false))

	got, _ := f.store.Withdrawal(ctx, wd.ID)
	assert.Equal(t, models.FundingFailed, got.Status)

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("1000")))

	// The reversal is a compensating adjustment row, not a mutation of
	// the original withdrawal entry.
	txns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	require.Len(t, txns, 2)
	types := map[models.TransactionType]decimal.Decimal{}
	for _, txn := range txns {
		assert.Equal(t, models.TxCompleted, txn.Status)
		types[txn.Type] = txn.Amount
	}
	assert.True(t, types[models.TxWithdrawal].Equal(dec("-400")))
	assert.True(t, types[models.TxAdjustment].Equal(dec("400")))

	// The ledger-sum law holds through the round trip.
	assert.True(t, completedSum(t, f.store, f.account.ID).IsZero())
}

func TestTransferInternalPairsLedgerRows(t *testing.T) {
	f := newFixture(t, "1000", instantCfg())
	ctx := context.Background()

	dest := &models.Account{
		ID:          uuid.New(),
		UserID:      f.caller.UserID,
		Number:      "000000000002",
		CashBalance: dec("50"),
		Status:      models.AccountActive,
	}
	f.store.SeedAccount(dest)

	tr, err := f.service.TransferInternal(ctx, f.caller, f.account.ID, dest.ID, dec("300"))
	require.NoError(t, err)
	assert.Equal(t, models.FundingCompleted, tr.Status)

	from, _ := f.store.Account(ctx, f.account.ID)
	to, _ := f.store.Account(ctx, dest.ID)
	assert.True(t, from.CashBalance.Equal(dec("700")))
	assert.True(t, to.CashBalance.Equal(dec("350")))

	// Paired rows: equal magnitude, opposite sign, both completed.
	outTxns, _ := f.store.TransactionsByAccount(ctx, f.account.ID)
	inTxns, _ := f.store.TransactionsByAccount(ctx, dest.ID)
	require.Len(t, outTxns, 1)
	require.Len(t, inTxns, 1)
	assert.Equal(t, models.TxTransferOut, outTxns[0].Type)
	assert.Equal(t, models.TxTransferIn, inTxns[0].Type)
	assert.True(t, outTxns[0].Amount.Neg().Equal(inTxns[0].Amount))
	assert.Equal(t, outTxns[0].ID, tr.OutTransactionID)
	assert.Equal(t, inTxns[0].ID, tr.InTransactionID)
}

func TestTransferInternalInsufficientFunds(t *testing.T) {
	f := newFixture(t, "100", instantCfg())
	ctx := context.Background()

	dest := &models.Account{
		ID: uuid.New(), UserID: f.caller.UserID, Number: "000000000002",
		CashBalance: decimal.Zero, Status: models.AccountActive,
	}
	f.store.SeedAccount(dest)

	_, err := f.service.TransferInternal(ctx, f.caller, f.account.ID, dest.ID, dec("300"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.FailedPrecondition))

	// Neither side moved.
	from, _ := f.store.Account(ctx, f.account.ID)
	to, _ := f.store.Account(ctx, dest.ID)
	assert.True(t, from.CashBalance.Equal(dec("100")))
	assert.True(t, to.CashBalance.IsZero())
}

func TestTransferToSelfRejected(t *testing.T) {
	f := newFixture(t, "100", instantCfg())

	_, err := f.service.TransferInternal(context.Background(), f.caller, f.account.ID, f.account.ID, dec("50"))
	assert.Equal(t, "same_account", apperr.CodeOf(err))
}

func TestTransferExternalByAccountNumber(t *testing.T) {
	f := newFixture(t, "1000", instantCfg())
	ctx := context.Background()

	dest := &models.Account{
		ID: uuid.New(), UserID: uuid.New(), Number: "000000000099",
		CashBalance: decimal.Zero, Status: models.AccountActive,
	}
	f.store.SeedAccount(dest)

	tr, err := f.service.TransferExternal(ctx, f.caller, f.account.ID, "000000000099", dec("250"))
	require.NoError(t, err)
	assert.Equal(t, dest.ID, tr.ToAccountID)

	to, _ := f.store.Account(ctx, dest.ID)
	assert.True(t, to.CashBalance.Equal(dec("250")))
}

func TestTransferExternalUnknownNumber(t *testing.T) {
	f := newFixture(t, "1000", instantCfg())

	_, err := f.service.TransferExternal(context.Background(), f.caller, f.account.ID, "000000000404", dec("50"))
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestLinkBankAccount(t *testing.T) {
	f := newFixture(t, "0", instantCfg())

	ba, err := f.service.LinkBankAccount(context.Background(), f.caller, "savings", "1234")
	require.NoError(t, err)
	assert.True(t, ba.Verified)
	assert.Equal(t, f.caller.UserID, ba.UserID)

	_, err = f.service.LinkBankAccount(context.Background(), f.caller, "bad", "12")
	assert.Equal(t, "invalid_last4", apperr.CodeOf(err))
}

// conflictStore discards the first n committed attempts and re-runs
// the callback, the way the database store retries a transaction that
// hits a serialization conflict at commit.
type conflictStore struct {
	*ledgertest.Store
	conflicts int
}

var errConflictAtCommit = errors.New("serialization conflict at commit")

func (s *conflictStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
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

// A conflict retry re-runs the transaction callback from scratch, so
// an instantly settled deposit must credit exactly once on the attempt
// that commits.
func TestDepositSettlesOnceAfterConflictRetry(t *testing.T) {
	f := newFixture(t, "100", instantCfg())
	ctx := context.Background()

	retrying := &conflictStore{Store: f.store, conflicts: 1}
	svc := funding.NewService(retrying, nil, instantCfg(), nil)

	dep, err := svc.Deposit(ctx, f.caller, f.account.ID, f.bank.ID, dec("500"))
	require.NoError(t, err)
	assert.Equal(t, models.FundingCompleted, dep.Status)

	acct, _ := f.store.Account(ctx, f.account.ID)
	assert.True(t, acct.CashBalance.Equal(dec("600")), "balance: %s", acct.CashBalance)
	txns, err := f.store.TransactionsByAccount(ctx, f.account.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxCompleted, txns[0].Status)
	assert.True(t, completedSum(t, f.store, f.account.ID).Equal(dec("500")))
}
