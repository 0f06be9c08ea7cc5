package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finpilot/internal/config"
	appmetrics "finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	h := base64.RawURLEncoding.EncodeToString(header)
	p := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func tenantRouter(cfg *config.Config, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TenantMiddleware(cfg))
	r.Use(extra...)
	r.GET("/whoami", func(c *gin.Context) {
		tc, ok := TenantFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, tc)
	})
	return r
}

func TestTenantMiddleware_Headers(t *testing.T) {
	r := tenantRouter(&config.Config{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/whoami", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set(HeaderPlanTier, "growth")
	req.Header.Set(HeaderUsageScenarios, "7")
	req.Header.Set(HeaderUsageForecasts, "garbage")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var tc models.TenantContext
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tc))
	assert.Equal(t, "acme", tc.TenantID)
	assert.Equal(t, "growth", tc.PlanTier)
	assert.Equal(t, 7, tc.Usage.ScenariosThisMonth)
	assert.Equal(t, 0, tc.Usage.ForecastsThisMonth)
}

func TestTenantMiddleware_MissingTenant(t *testing.T) {
	r := tenantRouter(nil)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/whoami", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTenantMiddleware_JWT(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{JWTSecret: "s3cret"}}
	r := tenantRouter(cfg)

	tests := []struct {
		name   string
		token  string
		header bool
		code   int
	}{
		{"valid", signHS256(t, "s3cret", map[string]interface{}{"tenant_id": "acme", "plan_tier": "starter", "exp": float64(time.Now().Add(time.Hour).Unix())}), true, http.StatusOK},
		{"wrong secret", signHS256(t, "other", map[string]interface{}{"tenant_id": "acme"}), true, http.StatusUnauthorized},
		{"expired", signHS256(t, "s3cret", map[string]interface{}{"tenant_id": "acme", "exp": float64(time.Now().Add(-time.Hour).Unix())}), true, http.StatusUnauthorized},
		{"no tenant claim", signHS256(t, "s3cret", map[string]interface{}{"sub": "u1"}), true, http.StatusUnauthorized},
		{"no header", "", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/whoami", nil)
			// 配置了 secret 时头部的租户不生效
			req.Header.Set(HeaderTenantID, "spoofed")
			if tt.header {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			r.ServeHTTP(w, req)
			require.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				var tc models.TenantContext
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tc))
				assert.Equal(t, "acme", tc.TenantID)
				assert.Equal(t, "starter", tc.PlanTier)
			}
		})
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := &config.Config{}
	r := tenantRouter(cfg, RateLimitMiddleware(cfg, nil))

	// 应该允许所有请求
	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/whoami", nil)
		req.Header.Set(HeaderTenantID, "acme")
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
}

func TestRateLimitMiddleware_PerTenant(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{RateLimiting: config.RateLimitingConfig{
		Enabled: true, RequestsPerMinute: 60, Burst: 2,
	}}}
	clock := services.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	r := tenantRouter(cfg, RateLimitMiddleware(cfg, clock))

	call := func(tenant string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/whoami", nil)
		req.Header.Set(HeaderTenantID, tenant)
		r.ServeHTTP(w, req)
		return w
	}

	before, _ := appmetrics.RateLimitSnapshot()
	assert.Equal(t, http.StatusOK, call("noisy").Code)
	assert.Equal(t, http.StatusOK, call("noisy").Code)
	w := call("noisy")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// 其他租户不受影响
	assert.Equal(t, http.StatusOK, call("quiet").Code)

	after, by := appmetrics.RateLimitSnapshot()
	assert.Equal(t, before+1, after)
	assert.GreaterOrEqual(t, by["http"], uint64(1))

	clock.Advance(time.Second)
	assert.Equal(t, http.StatusOK, call("noisy").Code)
}
