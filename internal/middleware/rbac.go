package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/utils"
)

// Company roles carried in the token's role claim.
const (
	RoleOwner    = "owner"
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

// roleRank orders company roles; unknown roles rank below employee.
var roleRank = map[string]int{
	RoleEmployee: 1,
	RoleManager:  2,
	RoleAdmin:    3,
	RoleOwner:    3,
}

// RequireRank lets the request through when the caller's role ranks at least
// as high as minimum.
func RequireRank(minimum string) fiber.Handler {
	need := roleRank[normalizeRoleValue(minimum)]
	return func(c *fiber.Ctx) error {
		if !hasRank(c, need) {
			return forbidden(c)
		}
		return c.Next()
	}
}

func hasRole(c *fiber.Ctx, allowed map[string]struct{}) bool {
	_, ok := allowed[normalizeRoleValue(c.Locals("user_role"))]
	return ok
}

func hasRank(c *fiber.Ctx, need int) bool {
	return roleRank[normalizeRoleValue(c.Locals("user_role"))] >= need
}

func forbidden(c *fiber.Ctx) error {
	return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{"code": "forbidden"})
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
