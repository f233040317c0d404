package trading

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/models"
)

// Caller is the validated identity triple supplied by the auth layer.
type Caller struct {
	UserID uuid.UUID
	KYC    models.KYCStatus
}

// OrderRequest is a trade instruction as received from the caller.
type OrderRequest struct {
	Symbol      string
	Side        models.OrderSide
	Type        models.OrderType
	Quantity    decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce models.TimeInForce
}

// checkAccountAccess runs the ownership and KYC checks, in order,
// short-circuiting on the first failure. Pure read, no side effects.
func checkAccountAccess(acct *models.Account, caller Caller) error {
	if acct == nil {
		return apperr.E(apperr.NotFound, "account_not_found", "account not found")
	}
	if acct.UserID != caller.UserID {
		return apperr.E(apperr.Forbidden, "not_owner", "account does not belong to caller")
	}
	if acct.Status != models.AccountActive {
		return apperr.Errorf(apperr.Forbidden, "account_inactive", "account status is %s", acct.Status)
	}
	if caller.KYC != models.KYCApproved {
		return apperr.E(apperr.Forbidden, "kyc_required", "identity verification not approved")
	}
	return nil
}

// validateOrderRequest checks the order fields themselves.
func validateOrderRequest(req OrderRequest) error {
	switch req.Side {
	case models.SideBuy, models.SideSell:
	default:
		return apperr.Errorf(apperr.InvalidArgument, "invalid_side", "invalid side %q", req.Side)
	}
	switch req.Type {
	case models.OrderMarket, models.OrderLimit, models.OrderStop, models.OrderStopLimit:
	default:
		return apperr.Errorf(apperr.InvalidArgument, "invalid_type", "invalid order type %q", req.Type)
	}
	switch req.TimeInForce {
	case models.TIFDay, models.TIFGTC, models.TIFIOC:
	default:
		return apperr.Errorf(apperr.InvalidArgument, "invalid_tif", "invalid time in force %q", req.TimeInForce)
	}
	if req.Quantity.Sign() <= 0 {
		return apperr.E(apperr.InvalidArgument, "invalid_quantity", "quantity must be positive")
	}
	needsLimit := req.Type == models.OrderLimit || req.Type == models.OrderStopLimit
	if needsLimit && (req.LimitPrice == nil || req.LimitPrice.Sign() <= 0) {
		return apperr.E(apperr.InvalidArgument, "invalid_limit_price", "limit orders require a positive limit price")
	}
	needsStop := req.Type == models.OrderStop || req.Type == models.OrderStopLimit
	if needsStop && (req.StopPrice == nil || req.StopPrice.Sign() <= 0) {
		return apperr.E(apperr.InvalidArgument, "invalid_stop_price", "stop orders require a positive stop price")
	}
	return nil
}

// checkAffordability verifies a buy against buying power at the
// reference price (the limit price for limit orders, otherwise the
// current quote).
func checkAffordability(req OrderRequest, refPrice, buyingPower decimal.Decimal) error {
	cost := req.Quantity.Mul(refPrice)
	if cost.GreaterThan(buyingPower) {
		return apperr.Errorf(apperr.FailedPrecondition, "insufficient_buying_power",
			"order cost %s exceeds buying power %s", cost, buyingPower)
	}
	return nil
}

// checkShares verifies a sell against the held position.
func checkShares(req OrderRequest, pos *models.Position) error {
	held := decimal.Zero
	if pos != nil {
		held = pos.Quantity
	}
	if req.Quantity.GreaterThan(held) {
		return apperr.Errorf(apperr.FailedPrecondition, "insufficient_shares",
			"sell quantity %s exceeds held %s", req.Quantity, held)
	}
	return nil
}
