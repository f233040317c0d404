package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/account"
	"github.com/user/minibroker/backend/internal/ledger"
	"github.com/user/minibroker/backend/internal/models"
	"github.com/user/minibroker/backend/internal/pricing"
)

// PortfolioHandler serves holdings and quote snapshots.
type PortfolioHandler struct {
	accounts *account.Service
	store    ledger.Store
	oracle   pricing.Oracle
}

func NewPortfolioHandler(accounts *account.Service, store ledger.Store, oracle pricing.Oracle) *PortfolioHandler {
	return &PortfolioHandler{accounts: accounts, store: store, oracle: oracle}
}

// Holding is one position decorated with its current market value.
type Holding struct {
	*models.Position
	LastPrice     *decimal.Decimal `json:"last_price,omitempty"`
	MarketValue   *decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// Positions returns the account's open positions priced at the latest
// quote. A missing quote leaves the valuation fields empty rather than
// failing the statement.
func (h *PortfolioHandler) Positions(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	if _, err := h.accounts.Get(c.Context(), account.Caller{UserID: caller.UserID}, accountID); err != nil {
		return fail(c, err)
	}

	positions, err := h.store.PositionsByAccount(c.Context(), accountID)
	if err != nil {
		return fail(c, err)
	}

	holdings := make([]Holding, 0, len(positions))
	for _, pos := range positions {
		hd := Holding{Position: pos}
		if q, err := h.oracle.GetQuote(c.Context(), pos.Symbol); err == nil {
			price := q.Price
			value := price.Mul(pos.Quantity)
			pnl := price.Sub(pos.AverageCost).Mul(pos.Quantity)
			hd.LastPrice = &price
			hd.MarketValue = &value
			hd.UnrealizedPnL = &pnl
		}
		holdings = append(holdings, hd)
	}
	return c.JSON(holdings)
}

// History returns closed positions with their realized P&L.
func (h *PortfolioHandler) History(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	if _, err := h.accounts.Get(c.Context(), account.Caller{UserID: caller.UserID}, accountID); err != nil {
		return fail(c, err)
	}
	history, err := h.store.PositionHistoryByAccount(c.Context(), accountID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(history)
}

// Quote returns the oracle's current quote for one symbol.
func (h *PortfolioHandler) Quote(c *fiber.Ctx) error {
	symbol := c.Params("symbol")
	q, err := h.oracle.GetQuote(c.Context(), symbol)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(q)
}
