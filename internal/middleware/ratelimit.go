package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/ratelimit"
)

// RateLimit throttles requests per caller and action with the Redis token
// bucket. Limiter errors let the request through.
func RateLimit(l *ratelimit.Limiter, capacity int, action string, logger *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateKey(c)
			dec, err := l.Allow(c.Request().Context(), key, action)
			if err != nil {
				logger.Warnw("rate limiter unavailable", "key", key, "action", action, "error", err)
				return next(c)
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(capacity))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
			if !dec.Allowed {
				secs := int(math.Ceil(dec.RetryAfter.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error":       "too_many_requests",
					"message":     "rate limit exceeded",
					"retry_after": secs,
				})
			}
			return next(c)
		}
	}
}
