package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler reports liveness and readiness.
type HealthHandler struct {
	DB    Pinger
	Redis *redis.Client
}

func NewHealthHandler(db Pinger, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{DB: db, Redis: rdb}
}

// Health is a liveness probe for load balancers.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Ready fails when MySQL is unreachable. Redis only degrades the result
// since rate limiting fails open.
func (h *HealthHandler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := h.DB.PingContext(ctx); err != nil {
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if h.Redis == nil {
		checks["redis"] = "disabled"
	} else if err := h.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unavailable"
	} else {
		checks["redis"] = "ok"
	}
	return c.JSON(status, echo.Map{"ready": status == http.StatusOK, "checks": checks})
}
