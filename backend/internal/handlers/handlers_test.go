package handlers

import (
	"errors"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/user/minibroker/backend/internal/apperr"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.E(apperr.InvalidArgument, "invalid_side", ""), fiber.StatusBadRequest},
		{apperr.E(apperr.NotFound, "account_not_found", ""), fiber.StatusNotFound},
		{apperr.E(apperr.Forbidden, "kyc_required", ""), fiber.StatusForbidden},
		{apperr.E(apperr.FailedPrecondition, "insufficient_buying_power", ""), fiber.StatusUnprocessableEntity},
		{apperr.E(apperr.Conflict, "concurrent_update", ""), fiber.StatusConflict},
		{apperr.E(apperr.UpstreamUnavailable, "oracle_unavailable", ""), fiber.StatusServiceUnavailable},
		{errors.New("plain"), fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusOf(tc.err), "%v", tc.err)
	}
}
