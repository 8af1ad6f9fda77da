package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRegisterAppliesSharedMiddleware(t *testing.T) {
	app := fiber.New()
	Register(app, Config{AllowOrigins: "https://admin.gema.sch.id"})
	app.Get("/api/v1/panic", func(c *fiber.Ctx) error {
		panic("boom")
	})
	app.Get("/api/v1/ok", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/panic", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ok", nil)
	req.Header.Set("Origin", "https://admin.gema.sch.id")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	require.Equal(t, "https://admin.gema.sch.id", resp.Header.Get("Access-Control-Allow-Origin"))
}
