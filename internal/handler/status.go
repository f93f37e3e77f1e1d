package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seatmap-sync/internal/breaker"
	"github.com/iliyamo/seatmap-sync/internal/realtime"
)

// StatusHandler reports the sync pipeline's counters for operators.
type StatusHandler struct {
	hub      *realtime.Hub
	breakers *breaker.Set
}

func NewStatusHandler(hub *realtime.Hub, breakers *breaker.Set) *StatusHandler {
	return &StatusHandler{hub: hub, breakers: breakers}
}

type statusResponse struct {
	realtime.Stats
	Breakers map[string]string `json:"breakers"`
}

// Status handles GET /v1/sync/status.
func (h *StatusHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Stats:    h.hub.Stats(),
		Breakers: h.breakers.States(),
	})
}
