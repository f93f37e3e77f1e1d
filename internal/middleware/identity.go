package middleware

import "github.com/labstack/echo/v4"

const userIDKey = "user_id"

// UserID returns the authenticated user stored by JWTAuth, or "" for a
// guest.
func UserID(c echo.Context) string {
	if v, ok := c.Get(userIDKey).(string); ok {
		return v
	}
	return ""
}

// rateKey identifies the caller for throttling: the user when known,
// otherwise the client address.
func rateKey(c echo.Context) string {
	if id := UserID(c); id != "" {
		return id
	}
	return "ip:" + c.RealIP()
}
