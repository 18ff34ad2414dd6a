package web

import (
	"github.com/gofiber/fiber/v3"

	"github.com/cadenhq/playbook/pkg/auth"
)

const principalKey = "principal"

// PrincipalMiddleware resolves the caller identity from the gateway
// headers. Authentication happens upstream; this service trusts the
// identity headers it is handed. A superuser may act on another
// organization by passing the organization_id query parameter.
func PrincipalMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		userID := c.Get("X-User-ID")
		orgID := c.Get("X-Org-ID")

		if userID == "" || orgID == "" {
			return badRequest(c, "X-User-ID and X-Org-ID headers are required")
		}

		role := auth.Role(c.Get("X-Role"))
		if role == "" {
			role = auth.RoleMember
		}

		principal := auth.Principal{
			UserID:         userID,
			OrganizationID: orgID,
			Role:           role,
		}

		if override := c.Query("organization_id"); override != "" && principal.IsSuperuser() {
			principal.OrganizationID = override
		}

		c.Locals(principalKey, principal)

		return c.Next()
	}
}

func principalFrom(c fiber.Ctx) auth.Principal {
	principal, _ := c.Locals(principalKey).(auth.Principal)

	return principal
}
