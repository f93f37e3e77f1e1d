// Package router registers the HTTP and WebSocket routes of the service.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/seatmap-sync/internal/handler"
	"github.com/iliyamo/seatmap-sync/internal/middleware"
)

// Deps are the handlers and middleware settings the routes need.
type Deps struct {
	Sync      *handler.SyncHandler
	Status    *handler.StatusHandler
	Checks    map[string]handler.Checker
	JWTSecret string
	// ConnectLimit throttles WebSocket handshakes per caller; nil disables it.
	ConnectLimit echo.MiddlewareFunc
}

// RegisterRoutes mounts probes, metrics, the status read and the socket.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(d.Checks))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/v1/sync/status", d.Status.Status)

	// browsers cannot set headers on the handshake, so the token may also
	// come as ?token=; guests can authenticate later with an auth message
	ws := []echo.MiddlewareFunc{middleware.JWTAuth(d.JWTSecret, false)}
	if d.ConnectLimit != nil {
		ws = append(ws, d.ConnectLimit)
	}
	e.GET("/ws", d.Sync.Serve, ws...)
}
