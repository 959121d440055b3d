package middleware

import (
	"regexp"

	"github.com/gofiber/fiber/v2"

	"mailsync_server/pkg/apperr"
)

// SecurityHeaders sets response headers for a JSON-only API.
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		return c.Next()
	}
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateIDParams rejects path ids that are not short url-safe tokens.
func ValidateIDParams(params ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, p := range params {
			if v := c.Params(p); v != "" && !idPattern.MatchString(v) {
				return apperr.BadRequest("invalid " + p)
			}
		}
		return c.Next()
	}
}
