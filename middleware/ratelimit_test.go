package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"digitalvault/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(rl *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func request(r http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remoteAddr
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false, RequestsPerMin: 1, Burst: 1})
	r := newRouter(rl)
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, request(r, "10.0.0.1:1234").Code)
	}
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 60, Burst: 3})
	r := newRouter(rl)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, request(r, "10.0.0.1:1234").Code, "request %d", i)
	}

	w := request(r, "10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	// Other clients have their own budget
	assert.Equal(t, http.StatusOK, request(r, "10.0.0.2:1234").Code)
}

func TestRateLimiter_Refills(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 60, Burst: 1})
	rl.now = func() time.Time { return now }
	r := newRouter(rl)

	assert.Equal(t, http.StatusOK, request(r, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, request(r, "10.0.0.1:1").Code)

	now = now.Add(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, request(r, "10.0.0.1:1").Code)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 60, Burst: 5})
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(10 * time.Minute)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup(5*time.Minute))
	assert.Len(t, rl.limiters, 1)
	assert.Contains(t, rl.limiters, "b")
}

func TestRateLimiter_SameLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 60, Burst: 5})
	assert.Same(t, rl.getLimiter("a"), rl.getLimiter("a"))
	assert.NotSame(t, rl.getLimiter("a"), rl.getLimiter("b"))

	rpm, burst, enabled := rl.GetCurrentLimit()
	assert.Equal(t, 60, rpm)
	assert.Equal(t, 5, burst)
	assert.True(t, enabled)
}

func TestFormatRateLimitError(t *testing.T) {
	assert.Equal(t, "Rate limit exceeded. Please try again in 3s", FormatRateLimitError(2600*time.Millisecond))
}
