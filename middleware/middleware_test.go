package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func status(t *testing.T, app *fiber.App, path string, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("gw-secret", quietLogger(), "/user/events/stream"))
	ok := func(c *fiber.Ctx) error { return c.SendString("ok") }
	app.Get("/health", ok)
	app.Get("/user/events/stream", ok)

	assert.Equal(t, http.StatusUnauthorized, status(t, app, "/health", nil))
	assert.Equal(t, http.StatusUnauthorized, status(t, app, "/health", map[string]string{"Authorization": "Bearer nope"}))
	assert.Equal(t, http.StatusOK, status(t, app, "/health", map[string]string{"Authorization": "Bearer gw-secret"}))
	assert.Equal(t, http.StatusOK, status(t, app, "/health", map[string]string{"Authorization": "gw-secret"}))
	assert.Equal(t, http.StatusOK, status(t, app, "/user/events/stream", nil))
}

func TestUserContextAndRoles(t *testing.T) {
	app := fiber.New()
	var seen string
	app.Get("/me", UserContextMiddleware(quietLogger()), func(c *fiber.Ctx) error {
		seen = UserID(c)
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/admin", UserContextMiddleware(quietLogger()), RequireRole("admin"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	assert.Equal(t, http.StatusUnauthorized, status(t, app, "/me", nil))
	assert.Equal(t, http.StatusNoContent, status(t, app, "/me", map[string]string{"X-User-ID": " u1 "}))
	assert.Equal(t, "u1", seen)

	assert.Equal(t, http.StatusForbidden, status(t, app, "/admin", map[string]string{"X-User-ID": "u1", "X-User-Roles": "player"}))
	assert.Equal(t, http.StatusNoContent, status(t, app, "/admin", map[string]string{"X-User-ID": "u1", "X-User-Roles": "player, admin"}))
}
