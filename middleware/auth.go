// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// UserContextMiddleware extracts user identity and roles set by the gateway.
// Requests under any of the secured prefixes must carry X-User-ID.
func UserContextMiddleware(securedPrefixes ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))
		rolesStr := c.Get("X-User-Roles")
		otpNotRequiredStr := c.Get("X-Otp-Not-Required")

		path := c.Path()
		if userID == "" && secured(path, securedPrefixes) {
			log.Warn().Str("path", path).Msg("[USER_CTX] X-User-ID required but missing on secured route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}

		var roles []string
		if rolesStr != "" {
			for _, r := range strings.Split(rolesStr, ",") {
				r = strings.TrimSpace(r)
				if r != "" {
					roles = append(roles, r)
				}
			}
		}

		otpNotRequired := strings.ToLower(otpNotRequiredStr) == "true"

		c.Locals("user_id", userID)
		c.Locals("user_roles", roles)
		c.Locals("otp_not_required", otpNotRequired)

		log.Debug().
			Str("user_id", userID).
			Strs("roles", roles).
			Bool("otp_exempt", otpNotRequired).
			Str("path", path).
			Msg("[USER_CTX] request context attached")

		return c.Next()
	}
}

func secured(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
