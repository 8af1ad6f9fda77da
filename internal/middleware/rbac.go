package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-consent-api/internal/utils"
)

// RequireRole guards a route group. It shares the role rules of WithAuth, so
// admitting "admin" also admits school staff. A request that reached it
// without any role was never authenticated and gets a 401.
func RequireRole(roles ...string) fiber.Handler {
	allowed := normalizeRoles(AuthOptions{Roles: roles})

	return func(c *fiber.Ctx) error {
		role := normalizeRoleValue(c.Locals("user_role"))
		if role == "" && !allowed.any {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if !allowed.any && !allowed.admits(role) {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
		}
		return c.Next()
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
