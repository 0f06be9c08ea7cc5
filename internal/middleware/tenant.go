package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"

	"github.com/gin-gonic/gin"
)

const tenantContextKey = "tenant_context"

// Header names used when no JWT secret is configured.
const (
	HeaderTenantID        = "X-Tenant-ID"
	HeaderPlanTier        = "X-Plan-Tier"
	HeaderUsageRules      = "X-Usage-Rules"
	HeaderUsageExecutions = "X-Usage-Executions"
	HeaderUsageScenarios  = "X-Usage-Scenarios"
	HeaderUsageForecasts  = "X-Usage-Forecasts"
)

// validateHS256JWT verifies an HS256 JWT and returns its payload as a generic map.
// Only the signature and the exp/nbf/iat claims are checked.
func validateHS256JWT(token, secret string, now time.Time) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, errors.New("invalid header encoding")
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.New("invalid header json")
	}
	if alg, _ := header["alg"].(string); alg != "" && alg != "HS256" {
		return nil, errors.New("unsupported alg")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.New("invalid signature encoding")
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, errors.New("invalid signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, errors.New("invalid payload encoding")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, errors.New("invalid payload json")
	}

	nowSec := now.Unix()
	checks := []struct {
		key string
		ok  func(int64) bool
	}{
		{"nbf", func(sec int64) bool { return nowSec >= sec }},
		{"iat", func(sec int64) bool { return nowSec >= sec }},
		{"exp", func(sec int64) bool { return nowSec < sec }},
	}
	for _, ch := range checks {
		if v, ok := payload[ch.key].(float64); ok && !ch.ok(int64(v)) {
			return nil, errors.New("token time constraint failed: " + ch.key)
		}
	}
	return payload, nil
}

// TenantMiddleware resolves the calling tenant and stores a models.TenantContext for handlers.
// With security.jwt_secret set the tenant comes from a verified bearer token
// (claims tenant_id, plan_tier); otherwise the X-Tenant-ID / X-Plan-Tier headers are trusted.
func TenantMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.Security.JWTSecret
	}
	return func(c *gin.Context) {
		var tc models.TenantContext
		if secret != "" {
			ah := c.GetHeader("Authorization")
			if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				abortUnauthorized(c, "missing bearer token")
				return
			}
			claims, err := validateHS256JWT(strings.TrimSpace(ah[len("Bearer "):]), secret, time.Now())
			if err != nil {
				abortUnauthorized(c, err.Error())
				return
			}
			tc.TenantID, _ = claims["tenant_id"].(string)
			tc.PlanTier, _ = claims["plan_tier"].(string)
		} else {
			tc.TenantID = strings.TrimSpace(c.GetHeader(HeaderTenantID))
			tc.PlanTier = strings.TrimSpace(c.GetHeader(HeaderPlanTier))
		}
		if tc.TenantID == "" {
			abortUnauthorized(c, "tenant is required")
			return
		}
		tc.Usage = models.UsageCounters{
			Rules:               headerInt(c, HeaderUsageRules),
			ExecutionsThisMonth: headerInt(c, HeaderUsageExecutions),
			ScenariosThisMonth:  headerInt(c, HeaderUsageScenarios),
			ForecastsThisMonth:  headerInt(c, HeaderUsageForecasts),
		}
		c.Set(tenantContextKey, tc)
		c.Set("tenant_id", tc.TenantID)
		c.Next()
	}
}

// TenantFromContext returns the tenant resolved by TenantMiddleware.
func TenantFromContext(c *gin.Context) (models.TenantContext, bool) {
	v, ok := c.Get(tenantContextKey)
	if !ok {
		return models.TenantContext{}, false
	}
	tc, ok := v.(models.TenantContext)
	return tc, ok
}

// SetTenant is used by tests and internal callers that bypass the middleware.
func SetTenant(c *gin.Context, tc models.TenantContext) {
	c.Set(tenantContextKey, tc)
	c.Set("tenant_id", tc.TenantID)
}

func headerInt(c *gin.Context, name string) int {
	v := c.GetHeader(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}
