package middleware

import (
	"log/slog"
	"strings"

	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

// SSEAuthMiddleware validates the `token` and `device_id` query params with the auth service.
// EventSource cannot send headers, so the stream route skips the gateway check and uses this.
func SSEAuthMiddleware(authClient *services.AuthServiceClient, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accessToken := strings.TrimSpace(c.Query("token"))
		deviceID := strings.TrimSpace(c.Query("device_id"))
		if accessToken == "" || deviceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing token or device_id in query",
			})
		}

		resp, err := authClient.ValidateToken(c.UserContext(), accessToken, deviceID)
		if err != nil {
			logger.Warn("[SSEAuth] validation failed", "device", deviceID, "error", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		c.Locals(LocalUserID, resp.UserID)
		c.Locals(LocalDeviceID, resp.DeviceID)
		c.Locals(LocalOTPNotRequired, resp.OTPNotRequiredForDevice)
		c.Locals(LocalUserRoles, resp.Roles)
		return c.Next()
	}
}
