package services

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// eventRecorder collects audit events.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *eventRecorder) Emit(_ context.Context, ev models.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(t models.AuditEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t models.AuditEventType) (models.AuditEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return models.AuditEvent{}, false
}

func testPlans() config.PlansConfig {
	return config.PlansConfig{
		DefaultTier: "pro",
		Tiers: map[string]models.PlanLimits{
			"free": {AutomationEnabled: false, MaxScenariosPerMonth: 2, MaxForecastsPerMonth: 5, UpgradeURL: "https://example.com/upgrade"},
			"pro":  {AutomationEnabled: true, MaxRules: 10, MaxExecutionsPerMonth: 1000, MaxScenariosPerMonth: 50, MaxForecastsPerMonth: 100},
			"tiny": {AutomationEnabled: true, MaxRules: 10, MaxExecutionsPerMonth: 1, MaxScenariosPerMonth: 1, MaxForecastsPerMonth: 1},
		},
	}
}

func testAutomationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		Workers:              2,
		QueueSize:            32,
		MaxAttempts:          4,
		BaseBackoff:          5 * time.Minute,
		MaxBackoff:           time.Hour,
		ActionTimeout:        2 * time.Second,
		AutoPauseThreshold:   3,
		TenantRatePerMinute:  600,
		TenantBurst:          100,
		SinkBreakerFailures:  100,
		SinkBreakerResetTime: time.Minute,
	}
}

type automationHarness struct {
	svc      *AutomationService
	store    *store.MemoryStore
	clock    *FakeClock
	registry *ActionRegistry
	plans    *StaticPlanProvider
	events   *eventRecorder
	history  *MemoryHistoryProvider
}

func newAutomationHarness(t *testing.T) *automationHarness {
	t.Helper()
	return newAutomationHarnessWithStore(t, store.NewMemoryStore())
}

func newAutomationHarnessWithStore(t *testing.T, ms *store.MemoryStore) *automationHarness {
	t.Helper()
	return buildHarness(t, ms, ms)
}

func buildHarness(t *testing.T, ms *store.MemoryStore, st store.Store) *automationHarness {
	t.Helper()
	clock := NewFakeClock(testNow)
	logger := quietLogger()
	events := &eventRecorder{}
	auditor := NewAuditor(clock, nil, events)
	plans := NewStaticPlanProvider(testPlans())
	guard := NewPlanGuard(plans, st, clock, auditor, nil, logger)
	registry := NewActionRegistry()
	cfg := testAutomationConfig()
	executor := NewActionExecutor(registry, ActionExecutorConfig{
		Policy:  RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseBackoff, MaxDelay: cfg.MaxBackoff},
		Timeout: cfg.ActionTimeout,
		Breaker: CircuitBreakerConfig{MaxFailures: cfg.SinkBreakerFailures, ResetTimeout: cfg.SinkBreakerResetTime},
	}, clock, logger, nil)
	history := NewMemoryHistoryProvider()
	svc := NewAutomationService(cfg, AutomationDeps{
		Store:     st,
		Executor:  executor,
		Guard:     guard,
		Auditor:   auditor,
		Snapshots: NewHistorySnapshotProvider(history, clock),
		Clock:     clock,
		Logger:    logger,
	})
	t.Cleanup(svc.Stop)
	return &automationHarness{svc: svc, store: ms, clock: clock, registry: registry, plans: plans, events: events, history: history}
}

func tenantCtx(id string) models.TenantContext {
	return models.TenantContext{TenantID: id, PlanTier: "pro"}
}

func overdueRule(tenant string) *models.AutomationRule {
	return &models.AutomationRule{
		TenantID:    tenant,
		Name:        "remind on large overdue invoices",
		TriggerType: models.TriggerInvoiceOverdue,
		Conditions: models.And(
			models.Atom("event.amount", models.OpGt, 500.0),
			models.Atom("event.currency", models.OpIn, []interface{}{"USD", "EUR"}),
		),
		Actions: []models.ActionSpec{
			{Type: models.ActionSendPaymentReminder, Params: map[string]interface{}{"invoice_id": "{{event.invoice_id}}"}},
			{Type: models.ActionAddTag, Params: map[string]interface{}{"tag": "overdue"}},
		},
	}
}

func overdueTrigger(id string, amount float64) models.Trigger {
	return models.Trigger{
		ID:   id,
		Type: models.TriggerInvoiceOverdue,
		Payload: map[string]interface{}{
			"invoice_id": "inv-" + id,
			"amount":     amount,
			"currency":   "USD",
		},
	}
}

// countingSink succeeds and counts calls per action type.
type countingSink struct {
	mu    sync.Mutex
	calls int
	keys  []string
}

func (s *countingSink) Execute(_ context.Context, req ActionRequest) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.keys = append(s.keys, req.IdempotencyKey)
	return map[string]interface{}{"ok": true, "params": req.Params}, nil
}

func (s *countingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// flakySink fails the first `failures` calls with err.
type flakySink struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (s *flakySink) Execute(_ context.Context, _ ActionRequest) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return nil, s.err
	}
	return map[string]interface{}{"delivered": true}, nil
}

func (s *flakySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitDone(t *testing.T, h *ExecutionHandle) *models.AutomationExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := h.Wait(ctx)
	require.NoError(t, err, "execution %s did not finish", h.ID())
	return exec
}

func waitPendingRetries(t *testing.T, svc *AutomationService, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return svc.PendingRetries() == n }, 5*time.Second, 5*time.Millisecond)
}

// steadyHistory has a cash balance and daily expenses/revenue over the 180 days before testNow.
func steadyHistory(tenant string, cash, monthlyExpenses, monthlyRevenue float64) *models.FinancialHistory {
	h := &models.FinancialHistory{TenantID: tenant}
	h.CashBalances = append(h.CashBalances, models.BalancePoint{Date: testNow.AddDate(0, 0, -1), Amount: dec(cash)})
	for d := 1; d <= 180; d++ {
		day := testNow.AddDate(0, 0, -d)
		if monthlyExpenses > 0 {
			h.Expenses = append(h.Expenses, models.Transaction{ID: fmt.Sprintf("e-%d", d), Date: day, Amount: dec(monthlyExpenses / 30), Category: "operations"})
		}
		if monthlyRevenue > 0 {
			h.Revenue = append(h.Revenue, models.Transaction{ID: fmt.Sprintf("r-%d", d), Date: day, Amount: dec(monthlyRevenue / 30), Party: "acme"})
		}
	}
	return h
}
