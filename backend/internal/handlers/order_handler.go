package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/models"
	"github.com/user/minibroker/backend/internal/trading"
)

// OrderHandler serves order placement, modification, and cancellation.
type OrderHandler struct {
	trading *trading.Service
}

func NewOrderHandler(t *trading.Service) *OrderHandler {
	return &OrderHandler{trading: t}
}

// CreateOrderRequest defines the expected JSON body for placing an order.
type CreateOrderRequest struct {
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`          // "buy" or "sell"
	Type        string           `json:"type"`          // "market", "limit", "stop", "stop_limit"
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce string           `json:"time_in_force,omitempty"` // defaults to "day"
}

// ModifyOrderRequest defines the JSON body for modifying a resting order.
type ModifyOrderRequest struct {
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce *string          `json:"time_in_force,omitempty"`
}

func (h *OrderHandler) caller(c *fiber.Ctx) (trading.Caller, bool) {
	id, ok := callerFromCtx(c)
	if !ok {
		return trading.Caller{}, false
	}
	return trading.Caller{UserID: id.UserID, KYC: id.KYC}, true
}

// Create places a new order against an account.
func (h *OrderHandler) Create(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}

	req := new(CreateOrderRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = string(models.TIFDay)
	}
	order, err := h.trading.PlaceOrder(c.Context(), caller, accountID, trading.OrderRequest{
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:        models.OrderSide(strings.ToLower(req.Side)),
		Type:        models.OrderType(strings.ToLower(req.Type)),
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: models.TimeInForce(strings.ToLower(tif)),
	})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(order)
}

// List returns the account's orders, newest first.
func (h *OrderHandler) List(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	orders, err := h.trading.Orders(c.Context(), caller, accountID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(orders)
}

// Get returns one order.
func (h *OrderHandler) Get(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	orderID, err := uuidParam(c, "orderID")
	if err != nil {
		return fail(c, err)
	}
	order, err := h.trading.Order(c.Context(), caller, accountID, orderID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(order)
}

// Modify updates a resting order's quantity, prices, or time in force.
func (h *OrderHandler) Modify(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	orderID, err := uuidParam(c, "orderID")
	if err != nil {
		return fail(c, err)
	}

	req := new(ModifyOrderRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}
	mod := trading.ModifyRequest{
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
	}
	if req.TimeInForce != nil {
		tif := models.TimeInForce(strings.ToLower(*req.TimeInForce))
		mod.TimeInForce = &tif
	}

	order, err := h.trading.ModifyOrder(c.Context(), caller, accountID, orderID, mod)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(order)
}

// Cancel cancels a resting order.
func (h *OrderHandler) Cancel(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	orderID, err := uuidParam(c, "orderID")
	if err != nil {
		return fail(c, err)
	}
	order, err := h.trading.CancelOrder(c.Context(), caller, accountID, orderID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(order)
}
