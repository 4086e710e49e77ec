package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"digitalvault/config"
	"digitalvault/logging"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles HTTP requests per client IP
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	config   config.RateLimitConfig
	logger   *logging.Logger
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter middleware
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		config:   cfg,
		logger:   logging.GetLogger(),
		now:      time.Now,
	}
}

// getLimiter returns or creates a rate limiter for a specific client
func (rl *RateLimiter) getLimiter(clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cl, exists := rl.limiters[clientIP]; exists {
		cl.lastSeen = rl.now()
		return cl.limiter
	}

	// Convert requests per minute to requests per second
	ratePerSec := float64(rl.config.RequestsPerMin) / 60.0

	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), rl.config.Burst),
		lastSeen: rl.now(),
	}
	rl.limiters[clientIP] = cl
	return cl.limiter
}

// Handler returns gin middleware that answers 429 once a client exceeds
// its budget.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		reservation := rl.getLimiter(clientIP).ReserveN(rl.now(), 1)
		if !reservation.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		delay := reservation.DelayFrom(rl.now())
		if delay > 0 {
			// Reject rather than queue; give the token back
			reservation.CancelAt(rl.now())

			rl.logger.Warn("Rate limit exceeded for client %s on %s (retry in %v)",
				clientIP, c.FullPath(), delay.Round(time.Second))

			c.Header("Retry-After", fmt.Sprintf("%d", int(delay.Round(time.Second)/time.Second)+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"details": FormatRateLimitError(delay),
			})
			return
		}

		c.Next()
	}
}

// PrintRateLimitInfo logs the current rate limit configuration
func (rl *RateLimiter) PrintRateLimitInfo(serviceName string) {
	if !rl.config.Enabled {
		rl.logger.Startup("Rate limiting: DISABLED")
		return
	}

	rl.logger.Startup(
		"Rate limiting: ENABLED - %d requests/min (burst: %d) for %s",
		rl.config.RequestsPerMin,
		rl.config.Burst,
		serviceName,
	)
}

// Cleanup drops limiters for clients idle longer than maxAge and returns
// how many were removed.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	removed := 0
	for ip, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			removed++
		}
	}
	return removed
}

// GetCurrentLimit returns the current rate limit configuration
func (rl *RateLimiter) GetCurrentLimit() (requestsPerMin int, burst int, enabled bool) {
	return rl.config.RequestsPerMin, rl.config.Burst, rl.config.Enabled
}

// FormatRateLimitError creates a user-friendly error message for rate limit exceeded
func FormatRateLimitError(delay time.Duration) string {
	return fmt.Sprintf("Rate limit exceeded. Please try again in %v", delay.Round(time.Second))
}
