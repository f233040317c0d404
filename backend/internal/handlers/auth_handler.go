package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/user/minibroker/backend/internal/auth"
	"github.com/user/minibroker/backend/internal/models"
)

// UserStore is the slice of the database the auth handlers need.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetKYCStatus(ctx context.Context, id uuid.UUID, status models.KYCStatus) error
}

// AuthHandler serves registration, login, and identity verification.
type AuthHandler struct {
	users  UserStore
	tokens *auth.Manager
}

func NewAuthHandler(users UserStore, tokens *auth.Manager) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens}
}

// SignupRequest defines the expected JSON body for signup.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest defines the expected JSON body for login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse defines the JSON response for successful auth.
type AuthResponse struct {
	Token    string       `json:"token"`
	User     *models.User `json:"user"`
	IssuedAt time.Time    `json:"issued_at"`
}

// Signup handles user registration. New users start with identity
// verification pending and cannot trade until it is approved.
func (h *AuthHandler) Signup(c *fiber.Ctx) error {
	req := new(SignupRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || strings.TrimSpace(req.Password) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Email and password cannot be empty"})
	}

	existing, err := h.users.UserByEmail(c.Context(), req.Email)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error checking email"})
	}
	if existing != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Email already registered"})
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process password"})
	}

	user := &models.User{
		ID:        uuid.New(),
		Email:     req.Email,
		Password:  hashed,
		KYCStatus: models.KYCPending,
		CreatedAt: time.Now(),
	}
	if err := h.users.CreateUser(c.Context(), user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create user"})
	}

	token, err := h.tokens.Generate(user)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to issue token"})
	}
	return c.Status(fiber.StatusCreated).JSON(AuthResponse{Token: token, User: user, IssuedAt: time.Now()})
}

// Login handles authentication and token issuance.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	req := new(LoginRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse request body"})
	}

	user, err := h.users.UserByEmail(c.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.Password) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid email or password"})
	}

	token, err := h.tokens.Generate(user)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to issue token"})
	}
	return c.JSON(AuthResponse{Token: token, User: user, IssuedAt: time.Now()})
}

// SubmitKYC simulates the identity-verification provider approving the
// caller. It returns a fresh token because the verification status is
// carried in the claims.
func (h *AuthHandler) SubmitKYC(c *fiber.Ctx) error {
	caller, ok := callerFromCtx(c)
	if !ok {
		return unauthenticated(c)
	}

	if err := h.users.SetKYCStatus(c.Context(), caller.UserID, models.KYCApproved); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update verification status"})
	}
	user, err := h.users.UserByID(c.Context(), caller.UserID)
	if err != nil || user == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load user"})
	}
	token, err := h.tokens.Generate(user)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to issue token"})
	}
	return c.JSON(AuthResponse{Token: token, User: user, IssuedAt: time.Now()})
}
