// Package handlers exposes the mutation core over HTTP. Handlers parse
// and authenticate, delegate to the services, and translate the error
// taxonomy to status codes. No business rules live here.
package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/models"
)

// identity is the authenticated caller extracted from the JWT locals.
type identity struct {
	UserID uuid.UUID
	KYC    models.KYCStatus
}

func callerFromCtx(c *fiber.Ctx) (identity, bool) {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return identity{}, false
	}
	kyc, _ := c.Locals("kycStatus").(models.KYCStatus)
	return identity{UserID: userID, KYC: kyc}, true
}

func unauthenticated(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user ID in token"})
}

func uuidParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.Errorf(apperr.InvalidArgument, "invalid_id", "invalid %s", name)
	}
	return id, nil
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidArgument:
		return fiber.StatusBadRequest
	case apperr.NotFound:
		return fiber.StatusNotFound
	case apperr.Forbidden:
		return fiber.StatusForbidden
	case apperr.FailedPrecondition:
		return fiber.StatusUnprocessableEntity
	case apperr.Conflict:
		return fiber.StatusConflict
	case apperr.UpstreamUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// fail renders an error response. Internal details are not leaked to
// the client; they are logged by the service layer.
func fail(c *fiber.Ctx, err error) error {
	status := statusOf(err)
	body := fiber.Map{"error": err.Error()}
	if status == fiber.StatusInternalServerError {
		body["error"] = "internal error"
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Code != "" {
		body["code"] = ae.Code
	}
	return c.Status(status).JSON(body)
}
