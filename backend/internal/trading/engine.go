// Package trading validates and executes orders against the ledger.
//
// Execution is deliberately simple: market orders fill instantly and
// completely at the oracle's current quote; limit and stop orders are
// placed open and rest untouched (there is no matching engine behind
// this system). That behavior is isolated behind the pricing.Oracle
// and ledger.Tx seams so a real execution venue can replace it without
// touching the invariant-enforcing code.
package trading

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/ledger"
	"github.com/user/minibroker/backend/internal/models"
	"github.com/user/minibroker/backend/internal/notify"
	"github.com/user/minibroker/backend/internal/pricing"
)

// Service is the order entry point: validation, execution, lifecycle.
type Service struct {
	store         ledger.Store
	oracle        pricing.Oracle
	notifier      notify.Notifier
	oracleTimeout time.Duration
	logger        *slog.Logger
}

// NewService wires the order pipeline.
func NewService(store ledger.Store, oracle pricing.Oracle, notifier notify.Notifier, oracleTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:         store,
		oracle:        oracle,
		notifier:      notifier,
		oracleTimeout: oracleTimeout,
		logger:        logger,
	}
}

// quote fetches a price with the configured timeout. The oracle is
// untrusted: a hang or failure rejects the order instead of stalling
// the pipeline.
func (s *Service) quote(ctx context.Context, symbol string) (pricing.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, s.oracleTimeout)
	defer cancel()

	q, err := s.oracle.GetQuote(qctx, symbol)
	if err != nil {
		if errors.Is(err, pricing.ErrUnknownSymbol) {
			return pricing.Quote{}, apperr.Errorf(apperr.InvalidArgument, "unknown_symbol", "unknown symbol %q", symbol)
		}
		return pricing.Quote{}, apperr.Wrap(apperr.UpstreamUnavailable, "oracle_unavailable", "price oracle failed", err)
	}
	return q, nil
}

// resolveSecurity fetches the security record, registering the symbol
// lazily on first reference when the oracle recognizes it.
func (s *Service) resolveSecurity(ctx context.Context, symbol string) (*models.Security, pricing.Quote, error) {
	q, err := s.quote(ctx, symbol)
	if err != nil {
		return nil, pricing.Quote{}, err
	}

	sec, err := s.store.SecurityBySymbol(ctx, symbol)
	if err != nil {
		return nil, pricing.Quote{}, apperr.Wrap(apperr.Internal, "store_error", "load security", err)
	}
	if sec == nil {
		sec = &models.Security{
			ID:     uuid.New(),
			Symbol: symbol,
		}
	}
	sec.LastPrice = q.Price
	sec.PricedAt = q.Time
	if err := s.store.UpsertSecurity(ctx, sec); err != nil {
		return nil, pricing.Quote{}, apperr.Wrap(apperr.Internal, "store_error", "register security", err)
	}
	return sec, q, nil
}

// ownedAccount loads the account and runs the access checks.
func (s *Service) ownedAccount(ctx context.Context, caller Caller, accountID uuid.UUID) (*models.Account, error) {
	acct, err := s.store.Account(ctx, accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "load account", err)
	}
	if err := checkAccountAccess(acct, caller); err != nil {
		return nil, err
	}
	return acct, nil
}

// PlaceOrder validates and executes one order. All validation happens
// before any mutation; the whole execution is one store transaction,
// and the balance guard re-checks affordability inside it.
func (s *Service) PlaceOrder(ctx context.Context, caller Caller, accountID uuid.UUID, req OrderRequest) (*models.Order, error) {
	acct, err := s.ownedAccount(ctx, caller, accountID)
	if err != nil {
		return nil, err
	}
	sec, q, err := s.resolveSecurity(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &models.Order{
		ID:             uuid.New(),
		AccountID:      acct.ID,
		SecurityID:     sec.ID,
		Symbol:         sec.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		TimeInForce:    req.TimeInForce,
		Status:         models.OrderPending,
		FilledQuantity: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch req.Side {
	case models.SideBuy:
		if err := checkAffordability(req, order.ReferencePrice(q.Price), acct.BuyingPower()); err != nil {
			return nil, err
		}
	case models.SideSell:
		pos, err := s.store.Position(ctx, acct.ID, sec.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "store_error", "load position", err)
		}
		if err := checkShares(req, pos); err != nil {
			return nil, err
		}
	}

	var fillRes *ledger.FillResult
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		// Conflict retries re-run this callback against a fresh
		// transaction; every attempt starts from the unplaced order.
		fillRes = nil
		order.Status = models.OrderPending
		order.FilledQuantity = decimal.Zero
		order.AverageFillPrice = nil
		order.ExecutedAt = nil
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if order.Type != models.OrderMarket {
			// Resting orders are placed open and left for an
			// external venue; nothing moves on the ledger.
			return s.transition(ctx, tx, order, models.OrderOpen)
		}

		res, err := ledger.ApplyFill(ctx, tx, ledger.Fill{
			Order:    order,
			Quantity: order.Quantity,
			Price:    q.Price,
			Key:      ledger.FillKey(order.ID, 1),
		})
		if err != nil {
			return err
		}
		fillRes = res

		order.FilledQuantity = order.Quantity
		order.AverageFillPrice = &q.Price
		executed := time.Now()
		order.ExecutedAt = &executed
		return s.transition(ctx, tx, order, models.OrderFilled)
	})
	if err != nil {
		s.logger.Info("order rejected", "account", accountID, "symbol", req.Symbol, "err", err)
		return nil, err
	}

	if fillRes != nil {
		s.logger.Info("order filled",
			"order", order.ID, "account", acct.ID, "symbol", order.Symbol,
			"side", order.Side, "qty", order.Quantity, "price", q.Price)
		s.emitFill(order, q.Price, fillRes)
	}
	return order, nil
}

// transition moves the order through its state machine and persists it.
func (s *Service) transition(ctx context.Context, tx ledger.Tx, order *models.Order, to models.OrderStatus) error {
	if !order.Status.CanTransition(to) {
		return apperr.Errorf(apperr.FailedPrecondition, "invalid_transition",
			"order cannot move from %s to %s", order.Status, to)
	}
	order.Status = to
	order.UpdatedAt = time.Now()
	return tx.UpdateOrder(ctx, order)
}

func (s *Service) emitFill(order *models.Order, price decimal.Decimal, res *ledger.FillResult) {
	s.notifier.OrderFilled(notify.OrderFilledEvent{
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Symbol:    order.Symbol,
		Side:      string(order.Side),
		Quantity:  order.FilledQuantity,
		Price:     price,
	})
	s.notifier.BalanceChanged(notify.BalanceChangedEvent{
		AccountID:  order.AccountID,
		NewBalance: res.NewBalance,
	})
	s.notifier.PositionChanged(notify.PositionChangedEvent{
		AccountID:   order.AccountID,
		Symbol:      order.Symbol,
		NewQuantity: res.NewQuantity,
	})
}

// Order returns one order after the ownership check.
func (s *Service) Order(ctx context.Context, caller Caller, accountID, orderID uuid.UUID) (*models.Order, error) {
	if _, err := s.ownedAccount(ctx, caller, accountID); err != nil {
		return nil, err
	}
	order, err := s.store.Order(ctx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "load order", err)
	}
	if order == nil || order.AccountID != accountID {
		return nil, apperr.E(apperr.NotFound, "order_not_found", "order not found")
	}
	return order, nil
}

// Orders lists the account's orders.
func (s *Service) Orders(ctx context.Context, caller Caller, accountID uuid.UUID) ([]*models.Order, error) {
	if _, err := s.ownedAccount(ctx, caller, accountID); err != nil {
		return nil, err
	}
	orders, err := s.store.OrdersByAccount(ctx, accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store_error", "list orders", err)
	}
	return orders, nil
}

// ModifyRequest carries the fields an open order may change.
type ModifyRequest struct {
	Quantity    *decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce *models.TimeInForce
}

// ModifyOrder updates a resting order. Permitted only while the order
// is pending or open; anything else is a failed precondition.
func (s *Service) ModifyOrder(ctx context.Context, caller Caller, accountID, orderID uuid.UUID, req ModifyRequest) (*models.Order, error) {
	if _, err := s.ownedAccount(ctx, caller, accountID); err != nil {
		return nil, err
	}

	var updated *models.Order
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil || order.AccountID != accountID {
			return apperr.E(apperr.NotFound, "order_not_found", "order not found")
		}
		if !order.Status.Modifiable() {
			return apperr.Errorf(apperr.FailedPrecondition, "order_not_modifiable",
				"order status %s does not permit modification", order.Status)
		}

		if req.Quantity != nil {
			order.Quantity = *req.Quantity
		}
		if req.LimitPrice != nil {
			order.LimitPrice = req.LimitPrice
		}
		if req.StopPrice != nil {
			order.StopPrice = req.StopPrice
		}
		if req.TimeInForce != nil {
			order.TimeInForce = *req.TimeInForce
		}

		if err := validateOrderRequest(orderToRequest(order)); err != nil {
			return err
		}
		if order.Side == models.SideBuy {
			locked, err := tx.AccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}
			if locked == nil {
				return apperr.E(apperr.NotFound, "account_not_found", "account not found")
			}
			refPrice := order.LimitPrice
			if refPrice == nil {
				// Stop orders carry no price cap, so the
				// affordability check works off the current quote.
				q, err := s.quote(ctx, order.Symbol)
				if err != nil {
					return err
				}
				refPrice = &q.Price
			}
			if err := checkAffordability(orderToRequest(order), *refPrice, locked.BuyingPower()); err != nil {
				return err
			}
		}

		order.UpdatedAt = time.Now()
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func orderToRequest(o *models.Order) OrderRequest {
	return OrderRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Quantity:    o.Quantity,
		LimitPrice:  o.LimitPrice,
		StopPrice:   o.StopPrice,
		TimeInForce: o.TimeInForce,
	}
}

// CancelOrder cancels a pending or open order.
func (s *Service) CancelOrder(ctx context.Context, caller Caller, accountID, orderID uuid.UUID) (*models.Order, error) {
	if _, err := s.ownedAccount(ctx, caller, accountID); err != nil {
		return nil, err
	}

	var cancelled *models.Order
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil || order.AccountID != accountID {
			return apperr.E(apperr.NotFound, "order_not_found", "order not found")
		}
		if !order.Status.Modifiable() {
			return apperr.Errorf(apperr.FailedPrecondition, "order_not_cancellable",
				"order status %s does not permit cancellation", order.Status)
		}
		if err := s.transition(ctx, tx, order, models.OrderCancelled); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order cancelled", "order", orderID, "account", accountID)
	return cancelled, nil
}
