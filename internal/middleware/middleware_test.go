package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/ratelimit"
	"github.com/iliyamo/seatmap-sync/internal/utils"
)

func whoami(c echo.Context) error {
	return c.String(http.StatusOK, UserID(c))
}

func serve(e *echo.Echo, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthOptional(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth("secret", false))
	tok, err := utils.NewAccessToken("secret", "alice", time.Minute)
	require.NoError(t, err)

	rec := serve(e, "/me", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = serve(e, "/me?token="+tok, nil)
	assert.Equal(t, "alice", rec.Body.String())

	rec = serve(e, "/me", http.Header{"Authorization": {"Bearer " + tok}})
	assert.Equal(t, "alice", rec.Body.String())

	rec = serve(e, "/me?token=bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthRequired(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth("secret", true))

	rec := serve(e, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitRejectsWhenDrained(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.RateLimitConfig{Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour, TTL: time.Hour, Prefix: "rl"}
	e := echo.New()
	e.GET("/ws", whoami, RateLimit(ratelimit.New(cfg, rdb), cfg.Capacity, "connect", zap.NewNop().Sugar()))

	for i := 0; i < 2; i++ {
		rec := serve(e, "/ws", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(e, "/ws", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}
