package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/funding"
)

// FundingHandler serves bank links, deposits, withdrawals, and
// transfers. The settlement callbacks authenticate with the shared
// token issued to the banking partner rather than a user session.
type FundingHandler struct {
	funding         *funding.Service
	settlementToken string
}

func NewFundingHandler(f *funding.Service, settlementToken string) *FundingHandler {
	return &FundingHandler{funding: f, settlementToken: settlementToken}
}

// settlementAuthorized checks the partner token on a settlement
// callback. An empty configured token refuses all callbacks.
func (h *FundingHandler) settlementAuthorized(c *fiber.Ctx) bool {
	return h.settlementToken != "" && c.Get("X-Settlement-Token") == h.settlementToken
}

func (h *FundingHandler) caller(c *fiber.Ctx) (funding.Caller, bool) {
	id, ok := callerFromCtx(c)
	if !ok {
		return funding.Caller{}, false
	}
	return funding.Caller{UserID: id.UserID}, true
}

// LinkBankRequest defines the JSON body for linking a bank account.
type LinkBankRequest struct {
	Nickname string `json:"nickname"`
	Last4    string `json:"last4"`
}

// LinkBank registers an external bank account for the caller.
func (h *FundingHandler) LinkBank(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	req := new(LinkBankRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}
	ba, err := h.funding.LinkBankAccount(c.Context(), caller, req.Nickname, req.Last4)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ba)
}

// MoveFundsRequest defines the JSON body for deposits and withdrawals.
type MoveFundsRequest struct {
	BankAccountID uuid.UUID       `json:"bank_account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// Deposit moves cash from a bank account into the brokerage account.
func (h *FundingHandler) Deposit(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	req := new(MoveFundsRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}
	dep, err := h.funding.Deposit(c.Context(), caller, accountID, req.BankAccountID, req.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dep)
}

// Withdraw moves cash out to a bank account. The cash is held
// immediately; the withdrawal settles asynchronously.
func (h *FundingHandler) Withdraw(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	req := new(MoveFundsRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}
	wd, err := h.funding.Withdraw(c.Context(), caller, accountID, req.BankAccountID, req.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(wd)
}

// TransferRequest defines the JSON body for transfers. Exactly one of
// ToAccountID (internal) or ToAccountNumber (external) must be set.
type TransferRequest struct {
	ToAccountID     *uuid.UUID      `json:"to_account_id,omitempty"`
	ToAccountNumber string          `json:"to_account_number,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
}

// Transfer moves cash between accounts.
func (h *FundingHandler) Transfer(c *fiber.Ctx) error {
	caller, ok := h.caller(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	req := new(TransferRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}

	switch {
	case req.ToAccountID != nil && req.ToAccountNumber != "":
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Provide either to_account_id or to_account_number, not both"})
	case req.ToAccountID != nil:
		tr, err := h.funding.TransferInternal(c.Context(), caller, accountID, *req.ToAccountID, req.Amount)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(tr)
	case req.ToAccountNumber != "":
		tr, err := h.funding.TransferExternal(c.Context(), caller, accountID, req.ToAccountNumber, req.Amount)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(tr)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Transfer destination is required"})
	}
}

// SettleRequest defines the JSON body for the simulated settlement
// callback.
type SettleRequest struct {
	Confirmed bool `json:"confirmed"`
}

// SettleDeposit records the settlement outcome of a pending deposit.
// Stands in for the banking partner's webhook.
func (h *FundingHandler) SettleDeposit(c *fiber.Ctx) error {
	if !h.settlementAuthorized(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Invalid settlement token"})
	}
	depositID, err := uuidParam(c, "depositID")
	if err != nil {
		return fail(c, err)
	}
	req := new(SettleRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}
	if err := h.funding.SettleDeposit(c.Context(), depositID, req.Confirmed); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "settled"})
}

// SettleWithdrawal records the settlement outcome of a pending
// withdrawal.
func (h *FundingHandler) SettleWithdrawal(c *fiber.Ctx) error {
	if !h.settlementAuthorized(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Invalid settlement token"})
	}
	withdrawalID, err := uuidParam(c, "withdrawalID")
	if err != nil {
		return fail(c, err)
	}
	req := new(SettleRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}
	if err := h.funding.SettleWithdrawal(c.Context(), withdrawalID, req.Confirmed); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "settled"})
}
