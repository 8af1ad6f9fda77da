package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-consent-api/internal/utils"
)

// Auth role constants used by WithAuth helper.
const (
	AuthRoleAny    = "any"
	AuthRoleAdmin  = "admin"
	AuthRoleParent = "parent"
)

// AuthOptions configures the WithAuth helper. Roles, when set, admits any of
// the listed roles and takes precedence over Role.
type AuthOptions struct {
	Role        string
	Roles       []string
	RequireUser bool
}

// WithAuth wraps a handler with basic authentication/authorization guards.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	roles := normalizeRoles(opts)

	requireUser := opts.RequireUser
	if !requireUser && !roles.any {
		requireUser = true
	}

	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if requireUser && userID == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}

		if roles.any {
			return handler(c)
		}

		currentRole := normalizeRoleValue(c.Locals("user_role"))
		if !roles.admits(currentRole) {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
		}

		return handler(c)
	}
}

type roleSet struct {
	any     bool
	allowed map[string]struct{}
}

func normalizeRoles(opts AuthOptions) roleSet {
	candidates := opts.Roles
	if len(candidates) == 0 {
		candidates = []string{opts.Role}
	}

	set := roleSet{allowed: map[string]struct{}{}}
	for _, role := range candidates {
		role = strings.ToLower(strings.TrimSpace(role))
		switch role {
		case "", AuthRoleAny:
			set.any = true
		case AuthRoleAdmin:
			// school staff share admin rights over consent records
			set.allowed[AuthRoleAdmin] = struct{}{}
			set.allowed["staff"] = struct{}{}
		default:
			set.allowed[role] = struct{}{}
		}
	}
	return set
}

func (s roleSet) admits(role string) bool {
	_, ok := s.allowed[role]
	return ok
}
