package middleware

import (
	"math"
	"net/http"
	"strconv"

	"finpilot/internal/config"
	appmetrics "finpilot/internal/metrics"
	"finpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware limits requests per tenant with a token bucket.
// It is controlled by cfg.Security.RateLimiting. If disabled, it no-ops.
// Must run after TenantMiddleware; requests without a tenant fall back to the client IP.
func RateLimitMiddleware(cfg *config.Config, clock services.Clock) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := services.NewTenantRateLimiter(rl.RequestsPerMinute, rl.Burst, clock)
	return func(c *gin.Context) {
		key := ""
		if tc, ok := TenantFromContext(c); ok {
			key = tc.TenantID
		}
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		ok, wait := limiter.Reserve(key)
		if !ok {
			appmetrics.IncRateLimitDrop("http")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
