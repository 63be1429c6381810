package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/stitchhq/stitch/common/ratelimit"
)

// IPRateLimitMiddleware enforces a per-client-IP request budget for one
// scope ("api" for control endpoints, "webhook" for worker callbacks).
// Limiter failures let the request through: availability beats strictness
// here, and callback handling is idempotent on retries anyway.
func IPRateLimitMiddleware(limiter *ratelimit.Limiter, scope string, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil {
				return next(c)
			}

			result, err := limiter.CheckIP(c.Request().Context(), scope, c.RealIP(), limit)
			if err != nil {
				// Fail open for availability
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"success": false,
					"error":   "rate limit exceeded",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
