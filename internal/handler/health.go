package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is the liveness probe: it answers as long as the process serves
// HTTP.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Checker reports whether one dependency is reachable.
type Checker func(ctx context.Context) error

// Ready returns the readiness probe. It runs every check with a short
// timeout and answers 503 listing the failing dependencies.
func Ready(checks map[string]Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "failed": failed})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	}
}
