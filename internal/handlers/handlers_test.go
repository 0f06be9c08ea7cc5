package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/metrics"
	"finpilot/internal/middleware"
	"finpilot/internal/models"
	"finpilot/internal/services"
	"finpilot/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	calls []services.ActionRequest
}

func (s *recordingSink) Execute(_ context.Context, req services.ActionRequest) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return map[string]interface{}{"logged": true}, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type apiHarness struct {
	router  *gin.Engine
	store   *store.MemoryStore
	plans   *services.StaticPlanProvider
	history *services.MemoryHistoryProvider
	sink    *recordingSink
}

func newAPIHarness(t *testing.T, checks ...HealthCheck) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := services.NewFakeClock(testNow)
	ms := store.NewMemoryStore()
	m := metrics.New()
	auditor := services.NewAuditor(clock, m, services.NewStoreAuditSink(ms, logger))
	plans := services.NewStaticPlanProvider(config.PlansConfig{
		DefaultTier: "pro",
		Tiers: map[string]models.PlanLimits{
			"free": {MaxScenariosPerMonth: 1, MaxForecastsPerMonth: 1, UpgradeURL: "https://example.com/upgrade"},
			"pro":  {AutomationEnabled: true, MaxRules: 10, MaxExecutionsPerMonth: 100, MaxScenariosPerMonth: 10, MaxForecastsPerMonth: 10},
		},
	})
	guard := services.NewPlanGuard(plans, ms, clock, auditor, m, logger)
	history := services.NewMemoryHistoryProvider()

	registry := services.NewActionRegistry()
	sink := &recordingSink{}
	require.NoError(t, registry.Register(models.ActionLogMessage, sink))
	executor := services.NewActionExecutor(registry, services.ActionExecutorConfig{
		Policy:  services.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Hour},
		Timeout: time.Second,
	}, clock, logger, nil)

	cfg := config.GetDefaultConfig()
	cfg.Automation.Workers = 2
	cfg.Security.RateLimiting.Enabled = false
	cfg.Security.JWTSecret = ""
	cfg.Monitoring.Enabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.Tracing.Enabled = false
	automation := services.NewAutomationService(cfg.Automation, services.AutomationDeps{
		Store:     ms,
		Executor:  executor,
		Guard:     guard,
		Auditor:   auditor,
		Snapshots: services.NewHistorySnapshotProvider(history, clock),
		Clock:     clock,
		Metrics:   m,
		Logger:    logger,
	})
	t.Cleanup(automation.Stop)

	forecastEngine := services.NewForecastEngine(cfg.Forecast)
	router := SetupRouter(RouterDeps{
		Config:     cfg,
		Version:    "test",
		Automation: automation,
		Forecasts:  services.NewForecastService(forecastEngine, history, ms, guard, auditor, clock, nil, logger),
		Scenarios:  services.NewScenarioService(services.NewScenarioEngine(cfg.Scenario), forecastEngine, history, ms, guard, auditor, clock, nil, logger),
		Insights:   services.NewInsightService(services.NewInsightEngine(cfg.Insights), history, ms, auditor, clock, nil, logger),
		Audit:      ms,
		Metrics:    m,
		Clock:      clock,
		Checks:     checks,
		Logger:     logger,
	})
	return &apiHarness{router: router, store: ms, plans: plans, history: history, sink: sink}
}

func (h *apiHarness) do(t *testing.T, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(middleware.HeaderTenantID, tenant)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func ruleBody() map[string]interface{} {
	return map[string]interface{}{
		"name":         "log big overdue invoices",
		"trigger_type": "invoice_overdue",
		"conditions": map[string]interface{}{
			"kind": "atomic", "field": "event.amount", "op": "gt", "value": 500,
		},
		"actions": []map[string]interface{}{
			{"type": "log_message", "params": map[string]interface{}{"message": "invoice {{event.invoice_id}} is overdue"}},
		},
	}
}

func steadyHistory(tenant string) *models.FinancialHistory {
	h := &models.FinancialHistory{TenantID: tenant}
	h.CashBalances = append(h.CashBalances, models.BalancePoint{Date: testNow.AddDate(0, 0, -1), Amount: decimal.NewFromInt(50000)})
	for d := 1; d <= 180; d++ {
		day := testNow.AddDate(0, 0, -d)
		h.Expenses = append(h.Expenses, models.Transaction{ID: fmt.Sprintf("e-%d", d), Date: day, Amount: decimal.NewFromInt(300), Category: "operations"})
		h.Revenue = append(h.Revenue, models.Transaction{ID: fmt.Sprintf("r-%d", d), Date: day, Amount: decimal.NewFromInt(400), Party: "acme"})
	}
	return h
}

func TestRules_CRUD(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "POST", "/api/v1/rules", "t1", ruleBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rule := decode[models.AutomationRule](t, w)
	assert.Equal(t, "t1", rule.TenantID)
	assert.Equal(t, 1, rule.Version)
	assert.Equal(t, models.RuleStatusEnabled, rule.Status)

	w = h.do(t, "GET", "/api/v1/rules/"+rule.ID, "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := ruleBody()
	body["name"] = "renamed"
	w = h.do(t, "PUT", "/api/v1/rules/"+rule.ID, "t1", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[models.AutomationRule](t, w).Version)

	w = h.do(t, "POST", "/api/v1/rules/"+rule.ID+"/status", "t1", map[string]string{"status": "disabled", "reason": "quarter end"})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode[models.AutomationRule](t, w)
	assert.Equal(t, models.RuleStatusDisabled, updated.Status)
	assert.Equal(t, "quarter end", updated.PausedReason)

	w = h.do(t, "GET", "/api/v1/rules?status=disabled", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[PaginatedResponse](t, w)
	assert.Equal(t, int64(1), page.Total)

	w = h.do(t, "DELETE", "/api/v1/rules/"+rule.ID, "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, "GET", "/api/v1/rules/"+rule.ID, "t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRules_ErrorMapping(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "POST", "/api/v1/rules", "", ruleBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := ruleBody()
	bad["actions"] = []map[string]interface{}{{"type": "fax"}}
	w = h.do(t, "POST", "/api/v1/rules", "t1", bad)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Contains(t, resp.Details, "actions[0].type")

	w = h.do(t, "POST", "/api/v1/rules", "t1", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "binding rejects missing trigger_type")

	w = h.do(t, "POST", "/api/v1/rules", "t1", ruleBody())
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.AutomationRule](t, w).ID

	// 其他租户看不到，也不泄露存在性
	w = h.do(t, "GET", "/api/v1/rules/"+id, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "log big overdue invoices")

	h.plans.AssignTier("t3", "free")
	w = h.do(t, "POST", "/api/v1/rules", "t3", ruleBody())
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	resp = decode[ErrorResponse](t, w)
	prompt, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://example.com/upgrade", prompt["upgrade_url"])
	assert.Equal(t, "free", prompt["current_tier"])
}

func TestRules_ValidateAndPreview(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "POST", "/api/v1/rules/validate", "t1", ruleBody())
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, "POST", "/api/v1/rules/preview", "t1", map[string]interface{}{
		"rule":    ruleBody(),
		"trigger": map[string]interface{}{"payload": map[string]interface{}{"invoice_id": "inv-9", "amount": 900}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.DryRunResult](t, w)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Match)
	assert.True(t, res.Match.Matched)
	require.Len(t, res.IntendedActions, 1)
	assert.Equal(t, "invoice inv-9 is overdue", res.IntendedActions[0].Params["message"])
	assert.Zero(t, h.sink.count(), "preview must not invoke sinks")

	w = h.do(t, "POST", "/api/v1/rules/preview", "t1", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggers_DispatchAndWait(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, "POST", "/api/v1/rules", "t1", ruleBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.do(t, "POST", "/api/v1/triggers", "t1", map[string]interface{}{
		"id":      "evt-1",
		"type":    "invoice_overdue",
		"payload": map[string]interface{}{"invoice_id": "inv-1", "amount": 1200},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[TriggerResponse](t, w)
	require.Len(t, resp.Executions, 1)
	execID := resp.Executions[0].ID

	w = h.do(t, "GET", "/api/v1/executions/"+execID+"?wait=5s", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exec := decode[models.AutomationExecution](t, w)
	assert.Equal(t, models.ExecutionSucceeded, exec.Status)
	assert.Equal(t, 1, h.sink.count())

	w = h.do(t, "GET", "/api/v1/executions", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[PaginatedResponse](t, w).Total)

	w = h.do(t, "POST", "/api/v1/executions/"+execID+"/cancel", "t1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, "GET", "/api/v1/executions/"+execID, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "GET", "/api/v1/executions/"+execID+"?wait=soon", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, "POST", "/api/v1/triggers", "t1", map[string]interface{}{"type": "invoice_lost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForecastsAndScenarios(t *testing.T) {
	h := newAPIHarness(t)
	h.history.Put(steadyHistory("t1"))

	w := h.do(t, "POST", "/api/v1/forecasts", "t1", map[string]interface{}{"type": "cash_runway"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	f := decode[models.FinancialForecast](t, w)
	assert.Equal(t, "t1", f.TenantID)

	w = h.do(t, "GET", "/api/v1/forecasts/"+f.ID, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "POST", "/api/v1/forecasts", "t1", map[string]interface{}{"type": "cash_runway", "start": testNow})
	assert.Equal(t, http.StatusBadRequest, w.Code, "start without end")

	w = h.do(t, "POST", "/api/v1/scenarios", "t1", map[string]interface{}{
		"type":                 "hiring",
		"params":               map[string]interface{}{"monthly_cost": 6000},
		"baseline_forecast_id": f.ID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sc := decode[models.Scenario](t, w)
	assert.Equal(t, "t1", sc.TenantID)

	w = h.do(t, "POST", "/api/v1/scenarios", "t1", map[string]interface{}{
		"type":   "hiring",
		"params": map[string]interface{}{"monthly_cost": -1},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Details, "params.monthly_cost")

	w = h.do(t, "GET", "/api/v1/scenarios", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[PaginatedResponse](t, w).Total)
}

func TestInsights_InsufficientDataIsNotAnError(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "POST", "/api/v1/insights/generate", "empty", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[InsightsResponse](t, w)
	assert.Empty(t, resp.Insights)
	assert.NotEmpty(t, resp.Message)

	w = h.do(t, "GET", "/api/v1/insights", "empty", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), decode[PaginatedResponse](t, w).Total)

	w = h.do(t, "POST", "/api/v1/insights/nope/dismiss", "empty", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditEvents(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, "POST", "/api/v1/rules", "t1", ruleBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.do(t, "GET", "/api/v1/audit?limit=10", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []models.AuditEvent `json:"events"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, models.AuditRuleCreated, resp.Events[0].Type)

	w = h.do(t, "GET", "/api/v1/audit", "t2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = h.do(t, "GET", "/api/v1/ws/audit", "t1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "hub not wired in this harness")
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t,
		HealthCheck{Name: "store", Critical: true, Probe: func(context.Context) error { return nil }},
		HealthCheck{Name: "tenant_api", Probe: func(context.Context) error { return errors.New("connection refused") }},
	)

	w := h.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unhealthy", resp.Services["tenant_api"].Status)
	assert.Equal(t, "healthy", resp.Services["store"].Status)

	w = h.do(t, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newAPIHarness(t, HealthCheck{Name: "store", Critical: true, Probe: func(context.Context) error { return errors.New("db gone") }})
	w = down.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = down.do(t, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.plans.AssignTier("t3", "free")
	w := h.do(t, "POST", "/api/v1/rules", "t3", ruleBody())
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	w = h.do(t, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `finpilot_plan_denials_total{resource="rules"} 1`)
	assert.Contains(t, w.Body.String(), `finpilot_audit_events_total{type="plan_limit_denied"} 1`)
}

func TestPaginate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		query string
		data  []int
		pages int
	}{
		{"", []int{1, 2, 3, 4, 5}, 1},
		{"?page=2&page_size=2", []int{3, 4}, 3},
		{"?page=9&page_size=2", []int{}, 3},
		{"?page=-1&page_size=1000", []int{1, 2, 3, 4, 5}, 1},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("GET", "/x"+tt.query, nil)
		p := paginate(c, items)
		assert.Equal(t, tt.data, p.Data, tt.query)
		assert.Equal(t, tt.pages, p.Pages, tt.query)
		assert.Equal(t, int64(5), p.Total)
	}
}
