package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-consent-api/internal/utils"
)

const tokenLeeway = 30 * time.Second

var errAnonymousParent = errors.New("parent token carries no subject or email")

// identity is what the consent API needs to know about a caller.
type identity struct {
	userID string
	role   string
	email  string
}

// JWTProtected validates HS256 bearer tokens and exposes user_id, user_role
// and user_email to downstream handlers. Tokens must carry an expiry, and a
// parent token must identify the parent by subject or email so that revokes
// can be attributed in the audit trail.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing or malformed")
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		who, err := identityFromClaims(claims)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		if who.userID != "" {
			c.Locals("user_id", who.userID)
		}
		if who.email != "" {
			c.Locals("user_email", who.email)
		}
		if who.role != "" {
			c.Locals("user_role", who.role)
		}

		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const scheme = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	return token, token != ""
}

func identityFromClaims(claims jwt.MapClaims) (identity, error) {
	who := identity{
		userID: extractUserIDFromClaims(claims),
		role:   extractUserRoleFromClaims(claims),
	}
	if email, ok := claims["email"].(string); ok {
		who.email = strings.ToLower(strings.TrimSpace(email))
	}
	if who.role == AuthRoleParent && who.userID == "" && who.email == "" {
		return identity{}, errAnonymousParent
	}
	return who, nil
}

func extractUserIDFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"sub", "user_id", "id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if normalized, err := normalizeUserID(value); err == nil && normalized != "" {
			return normalized
		}
	}
	return ""
}

func normalizeUserID(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		if v < 0 {
			return "", fmt.Errorf("invalid subject")
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		if v < 0 {
			return "", fmt.Errorf("invalid subject")
		}
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("unsupported subject type")
	}
}

// extractUserRoleFromClaims takes "role", or the first usable entry of "roles".
func extractUserRoleFromClaims(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			return normalized
		}
	}
	switch roles := claims["roles"].(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(roles))
	case []interface{}:
		for _, item := range roles {
			if str, ok := item.(string); ok {
				if role := strings.ToLower(strings.TrimSpace(str)); role != "" {
					return role
				}
			}
		}
	}
	return ""
}
