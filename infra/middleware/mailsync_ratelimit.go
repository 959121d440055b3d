package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailsync_server/pkg/apperr"
)

// WindowLimiter is implemented by ratelimit.SlidingWindowLimiter.
type WindowLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// RateLimit limits requests per company, or per IP before authentication.
func RateLimit(limiter WindowLimiter, scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if company, _ := c.Locals("company_id").(string); company != "" {
			key = "company:" + company
		}

		allowed, wait := limiter.Allow(c.Context(), scope+":"+key)
		if !allowed {
			retryAfter := int(wait.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", retryAfter))
			return apperr.ErrRateLimited.WithDetail("retry_after", retryAfter)
		}
		return c.Next()
	}
}
