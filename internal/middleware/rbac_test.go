package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func adminGroupApp(role string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	})
	app.Use(RequireRole(AuthRoleAdmin))
	app.Get("/admin/consents", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestRequireRoleStatuses(t *testing.T) {
	cases := []struct {
		role   string
		status int
	}{
		{"admin", fiber.StatusOK},
		{" Staff ", fiber.StatusOK},
		{"parent", fiber.StatusForbidden},
		{"", fiber.StatusUnauthorized},
	}

	for _, tc := range cases {
		resp, err := adminGroupApp(tc.role).Test(httptest.NewRequest(http.MethodGet, "/admin/consents", nil))
		require.NoError(t, err)
		require.Equal(t, tc.status, resp.StatusCode, "role %q", tc.role)
	}
}
