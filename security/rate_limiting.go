package security

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter caps requests per client IP over a fixed window, counted in
// Redis.
type RateLimiter struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
	logger *zap.Logger
}

func NewRateLimiter(client redis.Cmdable, limit int64, window time.Duration, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{redis: client, limit: limit, window: window, logger: logger}
}

func (r *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			key := fmt.Sprintf("webhook:rate:%s", c.RealIP())

			count, err := r.redis.Incr(ctx, key).Result()
			if err != nil {
				// Redis trouble must not drop settlements.
				r.logger.Warn("rate limit check failed", zap.Error(err))
				return next(c)
			}
			if count == 1 {
				r.redis.Expire(ctx, key, r.window)
			}
			if count > r.limit {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "Too many requests",
				})
			}

			return next(c)
		}
	}
}
