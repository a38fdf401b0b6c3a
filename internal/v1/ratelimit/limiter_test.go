package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitApiGlobal: "3-M",
		RateLimitApiRooms:  "2-M",
		RateLimitWsIp:      "2-M",
	}
}

func newTestRouter(t *testing.T, rl *RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/rooms", rl.RoomsMiddleware(), func(c *gin.Context) { c.String(http.StatusOK, "[]") })
	return r
}

func doRequest(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = "10.0.0.1:55555"
	r.ServeHTTP(w, req)
	return w
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitApiGlobal = "not-a-rate"

	_, err := NewRateLimiter(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API global rate")
}

func TestGlobalMiddleware_EnforcesLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	r := newTestRouter(t, rl)

	for i := 0; i < 3; i++ {
		w := doRequest(r, "/ping")
		require.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}

	w := doRequest(r, "/ping")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too many requests")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRoomsMiddleware_TighterLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	r := newTestRouter(t, rl)

	// The rooms limit (2) trips before the global one (3).
	for i := 0; i < 2; i++ {
		w := doRequest(r, "/rooms")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(r, "/rooms")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCheckWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest("GET", "/ws", nil)
		c.Request.RemoteAddr = "10.0.0.2:55555"
		assert.True(t, rl.CheckWebSocket(c))
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws", nil)
	c.Request.RemoteAddr = "10.0.0.2:55555"
	assert.False(t, rl.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
