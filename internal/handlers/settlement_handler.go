package handlers

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ticket-client/models"
	"ticket-client/utils"
)

// Publisher receives verified settlement notifications.
type Publisher interface {
	Publish(n models.SettlementNotification) int
}

// SettlementHandler receives the payment gateway's settlement callbacks and
// hands them to the in-process settlement hub.
type SettlementHandler struct {
	hub    Publisher
	redis  redis.Cmdable
	logger *zap.Logger
}

func NewSettlementHandler(hub Publisher, redisClient redis.Cmdable, logger *zap.Logger) *SettlementHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementHandler{hub: hub, redis: redisClient, logger: logger}
}

// Register mounts the routes. mw guards the settlement route only.
func (h *SettlementHandler) Register(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST("/webhook/settlement", h.Receive, mw...)
	e.GET("/health", h.Health)
}

// Receive - Accept a settlement notification
func (h *SettlementHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<10))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unreadable body"})
	}

	var n models.SettlementNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := models.Validate(n); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	delivered := h.hub.Publish(n)
	h.logger.Info("settlement notification received",
		zap.String("payment_id", n.PaymentID),
		zap.String("status", string(n.Status)),
		zap.Int("delivered", delivered))

	return c.JSON(http.StatusOK, map[string]any{
		"message": "Webhook processed",
		"data": map[string]any{
			"payment_id": n.PaymentID,
			"status":     n.Status,
			"delivered":  delivered,
		},
	})
}

// Health - Report receiver and Redis health
func (h *SettlementHandler) Health(c echo.Context) error {
	if h.redis != nil {
		if err := utils.RedisHealthCheck(c.Request().Context(), h.redis); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
