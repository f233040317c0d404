package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/user/minibroker/backend/internal/auth"
)

// Protected is a middleware function to verify JWT authentication.
func Protected(tokens *auth.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing authorization header"})
		}

		// Expecting "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid authorization header format"})
		}

		claims, err := tokens.Validate(parts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
		}

		// Store user identity in context for downstream handlers
		c.Locals("userID", claims.UserID)
		c.Locals("email", claims.Email)
		c.Locals("kycStatus", claims.KYCStatus)

		return c.Next()
	}
}
