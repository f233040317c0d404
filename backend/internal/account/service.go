// Package account manages the brokerage account lifecycle: opening,
// lookup, and closing. Closing is a guarded mutation: it refuses while
// the account still holds cash, positions, or open orders.
package account

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/ledger"
	"github.com/user/minibroker/backend/internal/models"
)

// Caller is the validated identity supplied by the auth layer.
type Caller struct {
	UserID uuid.UUID
}

// Service manages brokerage accounts.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// newAccountNumber produces a 12-digit account number. Uniqueness is
// enforced by the store's constraint.
func newAccountNumber() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	n := binary.BigEndian.Uint64(buf[:]) % 1_000_000_000_000
	return fmt.Sprintf("%012d", n)
}

// Open creates an active account with a zero cash balance.
func (s *Service) Open(ctx context.Context, caller Caller) (*models.Account, error) {
	now := time.Now()
	acct := &models.Account{
		ID:          uuid.New(),
		UserID:      caller.UserID,
		Number:      newAccountNumber(),
		CashBalance: decimal.Zero,
		Status:      models.AccountActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "create account", err)
	}
	s.logger.Info("account opened", "account", acct.ID, "user", caller.UserID)
	return acct, nil
}

// Get returns the caller's account.
func (s *Service) Get(ctx context.Context, caller Caller, accountID uuid.UUID) (*models.Account, error) {
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
	return acct, nil
}

// List returns all of the caller's accounts.
func (s *Service) List(ctx context.Context, caller Caller) ([]*models.Account, error) {
	accts, err := s.store.AccountsByUser(ctx, caller.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "list accounts", err)
	}
	return accts, nil
}

// Close marks the account closed. The account must be empty: zero cash
// balance, no positions, and no open orders. All checks run under the
// account's row lock so a concurrent fill or deposit cannot slip in.
func (s *Service) Close(ctx context.Context, caller Caller, accountID uuid.UUID) error {
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.AccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return apperr.E(apperr.NotFound, "account_not_found", "account not found")
		}
		if acct.UserID != caller.UserID {
			return apperr.E(apperr.Forbidden, "not_owner", "account does not belong to caller")
		}
		if acct.Status == models.AccountClosed {
			return apperr.E(apperr.FailedPrecondition, "account_closed", "account is already closed")
		}
		if !acct.CashBalance.IsZero() {
			return apperr.Errorf(apperr.FailedPrecondition, "balance_not_zero",
				"account holds %s in cash", acct.CashBalance)
		}
		if held, err := tx.HasPositions(ctx, accountID); err != nil {
			return err
		} else if held {
			return apperr.E(apperr.FailedPrecondition, "positions_open", "account still holds positions")
		}
		if open, err := tx.HasOpenOrders(ctx, accountID); err != nil {
			return err
		} else if open {
			return apperr.E(apperr.FailedPrecondition, "orders_open", "account has open orders")
		}
		return tx.SetAccountStatus(ctx, accountID, models.AccountClosed)
	})
	if err != nil {
		return err
	}
	s.logger.Info("account closed", "account", accountID)
	return nil
}
