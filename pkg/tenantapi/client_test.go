package tenantapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"finpilot/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewClient(&Config{
		BaseURL:    srv.URL + "/",
		APIKey:     "k-123",
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, logger)
}

func TestClient_GetPlanLimits(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tenants/acme%2Fco/plan", r.URL.EscapedPath())
		assert.Equal(t, "k-123", r.Header.Get("X-API-Key"))
		w.Write([]byte(`{"success":true,"data":{"tier":"growth","automation_enabled":true,"max_rules":25}}`))
	})

	limits, err := c.GetPlanLimits(context.Background(), "acme/co")
	require.NoError(t, err)
	assert.Equal(t, "growth", limits.Tier)
	assert.True(t, limits.AutomationEnabled)
	assert.Equal(t, 25, limits.MaxRules)

	_, err = c.GetPlanLimits(context.Background(), "")
	assert.Error(t, err)
}

func TestClient_GetUsage_NotSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"tenant suspended"}`))
	})
	_, err := c.GetUsage(context.Background(), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant suspended")
}

func TestClient_GetHistory(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tenants/acme/history", r.URL.Path)
		assert.Equal(t, "2024-01-01T00:00:00Z", r.URL.Query().Get("start"))
		assert.Equal(t, "2024-06-01T00:00:00Z", r.URL.Query().Get("end"))
		w.Write([]byte(`{"success":true,"data":{
			"cash_balances":[{"date":"2024-05-31T00:00:00Z","amount":"42000.50"}],
			"expenses":[{"id":"e1","date":"2024-05-02T00:00:00Z","amount":"120","category":"rent"}]
		}}`))
	})

	h, err := c.GetHistory(context.Background(), "acme", models.Window{Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, "acme", h.TenantID)
	assert.Equal(t, end, h.Window.End)
	require.Len(t, h.CashBalances, 1)
	assert.Equal(t, "42000.5", h.CashBalances[0].Amount.String())
	require.Len(t, h.Expenses, 1)
	assert.Equal(t, "rent", h.Expenses[0].Category)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true,"data":{"rules":4}}`))
	})

	usage, err := c.GetUsage(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 4, usage.Rules)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"api key revoked","error_code":"AUTH_REVOKED"}`))
	})

	_, err := c.GetPlanLimits(context.Background(), "acme")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "AUTH_REVOKED", apiErr.Code)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"healthy", `{"status":"healthy"}`, false},
		{"ok", `{"status":"ok"}`, false},
		{"degraded", `{"status":"degraded"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			err := c.HealthCheck(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
