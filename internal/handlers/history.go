package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/oxaalab/psychic-telegram-bot/internal/snapshots"
)

// HistoryHandler exposes the snapshot store over the admin API.
type HistoryHandler struct {
	snapshots *snapshots.Service
	logger    *slog.Logger
}

func NewHistoryHandler(log *slog.Logger, snaps *snapshots.Service) *HistoryHandler {
	return &HistoryHandler{
		snapshots: snaps,
		logger:    log.With(slog.String("handler", "history")),
	}
}

// Register mounts the history routes on the Echo instance.
func (h *HistoryHandler) Register(e *echo.Echo) {
	e.GET("/api/user/:id/history", h.UserHistory)
	e.GET("/api/username/:username/history", h.UsernameHistory)
	e.POST("/api/import-history", h.Import)
}

type historyResponse struct {
	UserID  int64                `json:"user_id"`
	History []snapshots.Snapshot `json:"history"`
}

// UserHistory returns all recorded snapshots for a numeric user id.
func (h *HistoryHandler) UserHistory(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid user id"})
	}
	history, err := h.snapshots.History(c.Request().Context(), userID)
	if errors.Is(err, snapshots.ErrUserNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: "user not found"})
	}
	if err != nil {
		h.logger.Error("history lookup failed", slog.Int64("user_id", userID), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "history lookup failed"})
	}
	return c.JSON(http.StatusOK, historyResponse{UserID: userID, History: history})
}

// UsernameHistory resolves a username to its most recent holder and returns
// that user's full history.
func (h *HistoryHandler) UsernameHistory(c echo.Context) error {
	username := c.Param("username")
	if username == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "username is required"})
	}
	userID, history, err := h.snapshots.HistoryByUsername(c.Request().Context(), username)
	if errors.Is(err, snapshots.ErrUserNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: "username not found"})
	}
	if err != nil {
		h.logger.Error("username lookup failed", slog.String("username", username), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "history lookup failed"})
	}
	return c.JSON(http.StatusOK, historyResponse{UserID: userID, History: history})
}

type importRequest struct {
	UserID int64                  `json:"user_id"`
	Items  []snapshots.ImportItem `json:"items"`
}

type importResponse struct {
	Imported int `json:"imported"`
}

// Import bulk-loads historical snapshots, e.g. from a previous deployment.
// The count reported is rows attempted; duplicates dedup silently.
func (h *HistoryHandler) Import(c echo.Context) error {
	var req importRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
	}
	if req.UserID == 0 || len(req.Items) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "user_id and items are required"})
	}
	count, err := h.snapshots.BulkImport(c.Request().Context(), req.UserID, req.Items)
	if err != nil {
		h.logger.Error("import failed", slog.Int64("user_id", req.UserID), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "import failed"})
	}
	h.logger.Info("history imported", slog.Int64("user_id", req.UserID), slog.Int("count", count))
	return c.JSON(http.StatusOK, importResponse{Imported: count})
}
