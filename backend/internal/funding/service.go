// Package funding moves cash in and out of brokerage accounts:
// deposits, withdrawals, and transfers between accounts. It shares the
// ledger's transactional discipline with order execution: every
// mutation is one all-or-nothing store transaction with the balance
// guard enforced inside it.
//
// Settlement is simulated: deposits complete instantly when configured
// to, and withdrawals settle through SettleWithdrawal, standing in for
// the external banking integration.
package funding

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/config"
	"github.com/user/minibroker/backend/internal/ledger"
	"github.com/user/minibroker/backend/internal/models"
	"github.com/user/minibroker/backend/internal/notify"
)

// Caller is the validated identity supplied by the auth layer.
type Caller struct {
	UserID uuid.UUID
}

// Service processes funding instructions.
type Service struct {
	store    ledger.Store
	notifier notify.Notifier
	cfg      config.FundingConfig
	logger   *slog.Logger
}

// NewService wires the funding pipeline.
func NewService(store ledger.Store, notifier notify.Notifier, cfg config.FundingConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{store: store, notifier: notifier, cfg: cfg, logger: logger}
}

// ownedActiveAccount loads the account and checks ownership and status.
func (s *Service) ownedActiveAccount(ctx context.Context, caller Caller, accountID uuid.UUID) (*models.Account, error) {
	acct, err := s.store.Account(ctx, accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "load account", err)
	}
	if acct == nil {
		return nil, apperr.E(apperr.NotFound, "account_not_found", "account not found")
	}
	if acct.UserID != caller.UserID {
		return nil, apperr.E(apperr.Forbidden, "not_owner", "account does not belong to caller")
	}
	if acct.Status != models.AccountActive {
		return nil, apperr.Errorf(apperr.Forbidden, "account_inactive", "account status is %s", acct.Status)
	}
	return acct, nil
}

// verifiedBankAccount loads the bank account and checks ownership and
// verification.
func (s *Service) verifiedBankAccount(ctx context.Context, caller Caller, bankAccountID uuid.UUID) (*models.BankAccount, error) {
	ba, err := s.store.BankAccount(ctx, bankAccountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "load bank account", err)
	}
	if ba == nil {
		return nil, apperr.E(apperr.NotFound, "bank_account_not_found", "bank account not found")
	}
	if ba.UserID != caller.UserID {
		return nil, apperr.E(apperr.Forbidden, "not_owner", "bank account does not belong to caller")
	}
	if !ba.Verified {
		return nil, apperr.E(apperr.FailedPrecondition, "bank_account_unverified", "bank account is not verified")
	}
	return ba, nil
}

// LinkBankAccount records an external bank account. Verification is
// simulated as instant; a real micro-deposit flow is an external
// integration.
func (s *Service) LinkBankAccount(ctx context.Context, caller Caller, nickname, last4 string) (*models.BankAccount, error) {
	if len(last4) != 4 {
		return nil, apperr.E(apperr.InvalidArgument, "invalid_last4", "last4 must be four digits")
	}
	ba := &models.BankAccount{
		ID:        uuid.New(),
		UserID:    caller.UserID,
		Nickname:  nickname,
		Last4:     last4,
		Verified:  true,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateBankAccount(ctx, ba); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "link bank account", err)
	}
	return ba, nil
}

// Deposit creates a deposit+transaction pair in pending and, when
// instant settlement is configured, completes both and credits the
// cash balance in the same transaction.
func (s *Service) Deposit(ctx context.Context, caller Caller, accountID, bankAccountID uuid.UUID, amount decimal.Decimal) (*models.Deposit, error) {
	acct, err := s.ownedActiveAccount(ctx, caller, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.verifiedBankAccount(ctx, caller, bankAccountID); err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, apperr.E(apperr.InvalidArgument, "invalid_amount", "amount must be positive")
	}
	if amount.GreaterThan(s.cfg.DepositCeiling) {
		return nil, apperr.Errorf(apperr.FailedPrecondition, "deposit_limit_exceeded",
			"amount %s exceeds the deposit ceiling %s", amount, s.cfg.DepositCeiling)
	}

	now := time.Now()
	dep := &models.Deposit{
		ID:            uuid.New(),
		AccountID:     acct.ID,
		BankAccountID: bankAccountID,
		Amount:        amount,
		Status:        models.FundingPending,
		CreatedAt:     now,
	}
	txn := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      acct.ID,
		Type:           models.TxDeposit,
		Amount:         amount,
		Description:    fmt.Sprintf("deposit %s", amount),
		Status:         models.TxPending,
		IdempotencyKey: "deposit:" + dep.ID.String(),
		CreatedAt:      now,
	}
	dep.TransactionID = txn.ID

	var newBalance decimal.Decimal
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		// Conflict retries re-run this callback against a fresh
		// transaction; every attempt inserts the pending pair.
		dep.Status = models.FundingPending
		txn.Status = models.TxPending
		locked, err := tx.AccountForUpdate(ctx, acct.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return apperr.E(apperr.NotFound, "account_not_found", "account not found")
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.CreateDeposit(ctx, dep); err != nil {
			return err
		}
		if !s.cfg.InstantSettlement {
			newBalance = locked.CashBalance
			return nil
		}
		if err := tx.AdjustCash(ctx, acct.ID, amount); err != nil {
			return err
		}
		if err := tx.SetTransactionStatus(ctx, txn.ID, models.TxCompleted); err != nil {
			return err
		}
		if err := tx.SetDepositStatus(ctx, dep.ID, models.FundingCompleted); err != nil {
			return err
		}
		newBalance = locked.CashBalance.Add(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.cfg.InstantSettlement {
		dep.Status = models.FundingCompleted
		txn.Status = models.TxCompleted
		s.logger.Info("deposit settled", "deposit", dep.ID, "account", acct.ID, "amount", amount)
		s.notifier.BalanceChanged(notify.BalanceChangedEvent{AccountID: acct.ID, NewBalance: newBalance})
	}
	return dep, nil
}

// SettleDeposit records the outcome of an externally settled deposit:
// confirmation credits the cash balance, rejection fails the pair.
func (s *Service) SettleDeposit(ctx context.Context, depositID uuid.UUID, confirmed bool) error {
	var (
		accountID  uuid.UUID
		newBalance decimal.Decimal
		credited   bool
	)
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		credited = false
		dep, err := tx.DepositForUpdate(ctx, depositID)
		if err != nil {
			return err
		}
		if dep == nil {
			return apperr.E(apperr.NotFound, "deposit_not_found", "deposit not found")
		}
		if dep.Status != models.FundingPending {
			return apperr.E(apperr.FailedPrecondition, "deposit_not_pending", "deposit already settled")
		}

		if !confirmed {
			if err := tx.SetTransactionStatus(ctx, dep.TransactionID, models.TxFailed); err != nil {
				return err
			}
			return tx.SetDepositStatus(ctx, dep.ID, models.FundingFailed)
		}

		acct, err := tx.AccountForUpdate(ctx, dep.AccountID)
		if err != nil {
			return err
		}
		if err := tx.AdjustCash(ctx, dep.AccountID, dep.Amount); err != nil {
			return err
		}
		if err := tx.SetTransactionStatus(ctx, dep.TransactionID, models.TxCompleted); err != nil {
			return err
		}
		if err := tx.SetDepositStatus(ctx, dep.ID, models.FundingCompleted); err != nil {
			return err
		}
		accountID = dep.AccountID
		newBalance = acct.CashBalance.Add(dep.Amount)
		credited = true
		return nil
	})
	if err != nil {
		return err
	}
	if credited {
		s.notifier.BalanceChanged(notify.BalanceChangedEvent{AccountID: accountID, NewBalance: newBalance})
	}
	return nil
}

// Withdraw debits the cash balance immediately (the funds are held)
// while the withdrawal request stays pending until external settlement
// confirms or reverses it. At most MaxPendingWithdrawals requests may
// be pending per account.
func (s *Service) Withdraw(ctx context.Context, caller Caller, accountID, bankAccountID uuid.UUID, amount decimal.Decimal) (*models.Withdrawal, error) {
	acct, err := s.ownedActiveAccount(ctx, caller, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.verifiedBankAccount(ctx, caller, bankAccountID); err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, apperr.E(apperr.InvalidArgument, "invalid_amount", "amount must be positive")
	}

	now := time.Now()
	wd := &models.Withdrawal{
		ID:            uuid.New(),
		AccountID:     acct.ID,
		BankAccountID: bankAccountID,
		Amount:        amount,
		Status:        models.FundingPending,
		CreatedAt:     now,
	}
	// The cash leaves the account now, so the ledger row is completed
	// at debit time; a reversed settlement books a compensating
	// adjustment instead of mutating this row.
	txn := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      acct.ID,
		Type:           models.TxWithdrawal,
		Amount:         amount.Neg(),
		Description:    fmt.Sprintf("withdrawal %s", amount),
		Status:         models.TxCompleted,
		IdempotencyKey: "withdrawal:" + wd.ID.String(),
		CreatedAt:      now,
	}
	wd.TransactionID = txn.ID

	var newBalance decimal.Decimal
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		locked, err := tx.AccountForUpdate(ctx, acct.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return apperr.E(apperr.NotFound, "account_not_found", "account not found")
		}
		pending, err := tx.CountPendingWithdrawals(ctx, acct.ID)
		if err != nil {
			return err
		}
		if pending >= s.cfg.MaxPendingWithdrawals {
			return apperr.Errorf(apperr.FailedPrecondition, "pending_withdrawal_limit",
				"account already has %d pending withdrawals", pending)
		}
		if err := tx.AdjustCash(ctx, acct.ID, amount.Neg()); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.CreateWithdrawal(ctx, wd); err != nil {
			return err
		}
		newBalance = locked.CashBalance.Sub(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal held", "withdrawal", wd.ID, "account", acct.ID, "amount", amount)
	s.notifier.BalanceChanged(notify.BalanceChangedEvent{AccountID: acct.ID, NewBalance: newBalance})
	return wd, nil
}

// SettleWithdrawal records the outcome of an externally settled
// withdrawal. Confirmation completes the request; reversal refunds the
// held cash through a compensating adjustment entry.
func (s *Service) SettleWithdrawal(ctx context.Context, withdrawalID uuid.UUID, confirmed bool) error {
	var (
		accountID  uuid.UUID
		newBalance decimal.Decimal
		refunded   bool
	)
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		refunded = false
		wd, err := tx.WithdrawalForUpdate(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if wd == nil {
			return apperr.E(apperr.NotFound, "withdrawal_not_found", "withdrawal not found")
		}
		if wd.Status != models.FundingPending {
			return apperr.E(apperr.FailedPrecondition, "withdrawal_not_pending", "withdrawal already settled")
		}

		if confirmed {
			return tx.SetWithdrawalStatus(ctx, wd.ID, models.FundingCompleted)
		}

		acct, err := tx.AccountForUpdate(ctx, wd.AccountID)
		if err != nil {
			return err
		}
		if err := tx.AdjustCash(ctx, wd.AccountID, wd.Amount); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &models.Transaction{
			ID:             uuid.New(),
			AccountID:      wd.AccountID,
			Type:           models.TxAdjustment,
			Amount:         wd.Amount,
			Description:    fmt.Sprintf("withdrawal %s reversed", wd.ID),
			Status:         models.TxCompleted,
			IdempotencyKey: "withdrawal_reversal:" + wd.ID.String(),
			CreatedAt:      time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.SetWithdrawalStatus(ctx, wd.ID, models.FundingFailed); err != nil {
			return err
		}
		accountID = wd.AccountID
		newBalance = acct.CashBalance.Add(wd.Amount)
		refunded = true
		return nil
	})
	if err != nil {
		return err
	}
	if refunded {
		s.notifier.BalanceChanged(notify.BalanceChangedEvent{AccountID: accountID, NewBalance: newBalance})
	}
	return nil
}

// TransferInternal moves cash between two of the caller's accounts in
// one transaction, producing a paired transfer_out/transfer_in ledger
// row on each side.
func (s *Service) TransferInternal(ctx context.Context, caller Caller, fromAccountID, toAccountID uuid.UUID, amount decimal.Decimal) (*models.Transfer, error) {
	from, err := s.ownedActiveAccount(ctx, caller, fromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := s.ownedActiveAccount(ctx, caller, toAccountID)
	if err != nil {
		return nil, err
	}
	return s.transfer(ctx, from, to, amount)
}

// TransferExternal moves cash to another customer's account identified
// by account number. Only ownership of the source is verified.
func (s *Service) TransferExternal(ctx context.Context, caller Caller, fromAccountID uuid.UUID, toAccountNumber string, amount decimal.Decimal) (*models.Transfer, error) {
	from, err := s.ownedActiveAccount(ctx, caller, fromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := s.store.AccountByNumber(ctx, toAccountNumber)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "load destination account", err)
	}
	if to == nil {
		return nil, apperr.E(apperr.NotFound, "account_not_found", "destination account not found")
	}
	if to.Status != models.AccountActive {
		return nil, apperr.E(apperr.FailedPrecondition, "destination_inactive", "destination account is not active")
	}
	return s.transfer(ctx, from, to, amount)
}

func (s *Service) transfer(ctx context.Context, from, to *models.Account, amount decimal.Decimal) (*models.Transfer, error) {
	if from.ID == to.ID {
		return nil, apperr.E(apperr.InvalidArgument, "same_account", "source and destination are the same account")
	}
	if amount.Sign() <= 0 {
		return nil, apperr.E(apperr.InvalidArgument, "invalid_amount", "amount must be positive")
	}

	now := time.Now()
	tr := &models.Transfer{
		ID:            uuid.New(),
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        amount,
		Status:        models.FundingCompleted,
		CreatedAt:     now,
	}
	outTxn := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      from.ID,
		Type:           models.TxTransferOut,
		Amount:         amount.Neg(),
		Description:    fmt.Sprintf("transfer %s to %s", amount, to.Number),
		Status:         models.TxCompleted,
		IdempotencyKey: "transfer:" + tr.ID.String() + ":out",
		CreatedAt:      now,
	}
	inTxn := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      to.ID,
		Type:           models.TxTransferIn,
		Amount:         amount,
		Description:    fmt.Sprintf("transfer %s from %s", amount, from.Number),
		Status:         models.TxCompleted,
		IdempotencyKey: "transfer:" + tr.ID.String() + ":in",
		CreatedAt:      now,
	}
	tr.OutTransactionID = outTxn.ID
	tr.InTransactionID = inTxn.ID

	var fromBalance, toBalance decimal.Decimal
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		// Lock both rows in ascending id order to prevent deadlocks
		// between opposing transfers.
		first, second := from.ID, to.ID
		if bytes.Compare(second[:], first[:]) < 0 {
			first, second = second, first
		}
		var locked [2]*models.Account
		for i, id := range []uuid.UUID{first, second} {
			acct, err := tx.AccountForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if acct == nil {
				return apperr.E(apperr.NotFound, "account_not_found", "account not found")
			}
			locked[i] = acct
		}

		if err := tx.AdjustCash(ctx, from.ID, amount.Neg()); err != nil {
			return err
		}
		if err := tx.AdjustCash(ctx, to.ID, amount); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, outTxn); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, inTxn); err != nil {
			return err
		}
		if err := tx.CreateTransfer(ctx, tr); err != nil {
			return err
		}
		for _, acct := range locked {
			switch acct.ID {
			case from.ID:
				fromBalance = acct.CashBalance.Sub(amount)
			case to.ID:
				toBalance = acct.CashBalance.Add(amount)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer completed", "transfer", tr.ID,
		"from", from.ID, "to", to.ID, "amount", amount)
	s.notifier.BalanceChanged(notify.BalanceChangedEvent{AccountID: from.ID, NewBalance: fromBalance})
	s.notifier.BalanceChanged(notify.BalanceChangedEvent{AccountID: to.ID, NewBalance: toBalance})
	return tr, nil
}
