package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/user/minibroker/backend/internal/account"
	"github.com/user/minibroker/backend/internal/ledger"
)

// AccountHandler serves the account lifecycle and statements.
type AccountHandler struct {
	accounts *account.Service
	store    ledger.Store
}

func NewAccountHandler(accounts *account.Service, store ledger.Store) *AccountHandler {
	return &AccountHandler{accounts: accounts, store: store}
}

// Open creates a new brokerage account for the caller.
func (h *AccountHandler) Open(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}
	acct, err := h.accounts.Open(c.Context(), account.Caller{UserID: caller.UserID})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(acct)
}

// List returns all of the caller's accounts.
func (h *AccountHandler) List(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}
	accts, err := h.accounts.List(c.Context(), account.Caller{UserID: caller.UserID})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(accts)
}

// Get returns one account with its balance.
func (h *AccountHandler) Get(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	acct, err := h.accounts.Get(c.Context(), account.Caller{UserID: caller.UserID}, accountID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(acct)
}

// Close marks an empty account closed.
func (h *AccountHandler) Close(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	if err := h.accounts.Close(c.Context(), account.Caller{UserID: caller.UserID}, accountID); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "closed"})
}

// Transactions returns the account's ledger rows, newest first.
func (h *AccountHandler) Transactions(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}
	accountID, err := uuidParam(c, "accountID")
	if err != nil {
		return fail(c, err)
	}
	// Ownership check rides on the account lookup.
	if _, err := h.accounts.Get(c.Context(), account.Caller{UserID: caller.UserID}, accountID); err != nil {
		return fail(c, err)
	}
	txns, err := h.store.TransactionsByAccount(c.Context(), accountID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(txns)
}
