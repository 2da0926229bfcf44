package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is the database liveness surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves /healthz with a database round trip.
type HealthHandler struct {
	db     Pinger
	logger *slog.Logger
}

func NewHealthHandler(log *slog.Logger, db Pinger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		logger: log.With(slog.String("handler", "health")),
	}
}

// Register mounts GET /healthz on the Echo instance.
func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
}

// Health reports overall status plus the database ping latency.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("db ping failed", slog.Any("error", err))
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"db":     err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"db_latency": time.Since(start).String(),
	})
}
