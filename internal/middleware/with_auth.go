package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/utils"
)

// Auth role constants used by WithAuth helper.
const (
	AuthRoleAny     = "any"
	AuthRoleAdmin   = RoleAdmin
	AuthRoleManager = RoleManager
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth wraps a single handler with identity and role guards. Admin and
// manager are minimum ranks; any other role must match exactly.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}
	requireUser := opts.RequireUser || role != AuthRoleAny

	var permitted func(*fiber.Ctx) bool
	switch role {
	case AuthRoleAny:
		permitted = func(*fiber.Ctx) bool { return true }
	case AuthRoleAdmin, AuthRoleManager:
		need := roleRank[role]
		permitted = func(c *fiber.Ctx) bool { return hasRank(c, need) }
	default:
		exact := map[string]struct{}{role: {}}
		permitted = func(c *fiber.Ctx) bool { return hasRole(c, exact) }
	}

	return func(c *fiber.Ctx) error {
		if requireUser && c.Locals("user_id") == nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", fiber.Map{"code": "auth_required"})
		}
		if !permitted(c) {
			return forbidden(c)
		}
		return handler(c)
	}
}
