package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DeliveryIDHeader = "X-Delivery-ID"

// ReplayGuard drops webhook deliveries it has already accepted within ttl.
// A delivery is identified by its X-Delivery-ID header, or by a hash of the
// body when the sender sets none.
type ReplayGuard struct {
	redis  redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewReplayGuard(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *ReplayGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayGuard{redis: client, ttl: ttl, logger: logger}
}

func deliveryKey(id string) string {
	return fmt.Sprintf("webhook:seen:%s", id)
}

func (g *ReplayGuard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(DeliveryIDHeader)
			if id == "" {
				body, err := readBody(c)
				if err != nil {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unreadable body"})
				}
				digest := sha256.Sum256(body)
				id = hex.EncodeToString(digest[:])
			}

			first, err := g.redis.SetNX(c.Request().Context(), deliveryKey(id), 1, g.ttl).Result()
			if err != nil {
				g.logger.Warn("replay check failed, accepting delivery", zap.String("delivery_id", id), zap.Error(err))
				return next(c)
			}
			if !first {
				g.logger.Info("duplicate webhook delivery ignored", zap.String("delivery_id", id))
				// 200 so the sender stops retrying.
				return c.JSON(http.StatusOK, map[string]string{"message": "Duplicate delivery ignored"})
			}

			return next(c)
		}
	}
}
