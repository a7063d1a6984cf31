package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("secret", "/health"))
	app.Use(UserContextMiddleware("/battles"))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/battles/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"user_id": c.Locals("user_id"),
			"roles":   c.Locals("user_roles"),
			"otp":     c.Locals("otp_not_required"),
		})
	})
	app.Get("/public", func(c *fiber.Ctx) error { return c.SendString(c.Locals("user_id").(string)) })
	return app
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := newApp()

	testCases := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{name: "health is public", path: "/health", status: fiber.StatusOK},
		{name: "missing token", path: "/public", status: fiber.StatusUnauthorized},
		{name: "wrong token", path: "/public", header: "Bearer nope", status: fiber.StatusUnauthorized},
		{name: "bearer token", path: "/public", header: "Bearer secret", status: fiber.StatusOK},
		{name: "raw token", path: "/public", header: "secret", status: fiber.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestUserContextMiddleware(t *testing.T) {
	app := newApp()

	req := httptest.NewRequest("GET", "/battles/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, "secured path needs a user")

	req = httptest.NewRequest("GET", "/battles/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-User-Roles", "gamer, admin,")
	req.Header.Set("X-Otp-Not-Required", "TRUE")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1","roles":["gamer","admin"],"otp":true}`, string(body))

	req = httptest.NewRequest("GET", "/public", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "unsecured paths pass without a user")
}

func TestSecured(t *testing.T) {
	assert.True(t, secured("/battles", []string{"/battles"}))
	assert.True(t, secured("/battles/queue", []string{"/battles/"}))
	assert.False(t, secured("/battlesx", []string{"/battles"}))
	assert.False(t, secured("/health", nil))
}
