package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/rally-go-api/internal/utils"
)

// RequireRole rejects requests whose token role is not one of roles. Role names compare
// case-insensitively.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		if role = roleName(role); role != "" {
			allowed[role] = true
		}
	}

	return func(c *fiber.Ctx) error {
		if !allowed[normalizeRoleValue(c.Locals("user_role"))] {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

func roleName(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func normalizeRoleValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return roleName(v)
	case fmt.Stringer:
		return roleName(v.String())
	default:
		return roleName(fmt.Sprint(v))
	}
}
