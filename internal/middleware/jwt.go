package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seatmap-sync/internal/utils"
)

// JWTAuth verifies the access token of a request and stores its subject
// under "user_id". The token is read from the Authorization header or, for
// browser WebSocket handshakes that cannot set headers, the token query
// parameter. With required false a request without any token passes through
// as a guest; a token that is present but invalid is always rejected.
func JWTAuth(secret string, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := utils.BearerToken(c.Request().Header.Get("Authorization"))
			if raw == "" {
				raw = c.QueryParam("token")
			}
			if raw == "" {
				if required {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
				}
				return next(c)
			}
			id, err := utils.ParseUserID(secret, raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			c.Set(userIDKey, id)
			return next(c)
		}
	}
}
