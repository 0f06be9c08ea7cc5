package services

import (
	"context"
	"fmt"

	"finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ScenarioService runs what-if simulations for a tenant and keeps the results.
type ScenarioService struct {
	engine    *ScenarioEngine
	forecasts *ForecastEngine
	history   HistoryProvider
	store     store.Store
	guard     *PlanGuard
	auditor   *Auditor
	clock     Clock
	metrics   *metrics.Collectors
	logger    *logrus.Logger
}

func NewScenarioService(engine *ScenarioEngine, forecasts *ForecastEngine, history HistoryProvider, s store.Store, guard *PlanGuard, auditor *Auditor, clock Clock, m *metrics.Collectors, logger *logrus.Logger) *ScenarioService {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ScenarioService{engine: engine, forecasts: forecasts, history: history, store: s, guard: guard, auditor: auditor, clock: clock, metrics: m, logger: logger}
}

// SimulateScenario checks the plan, simulates t against baseline and persists the scenario.
// When baseline is nil a cash_runway forecast is computed from the tenant's history and
// stored so the scenario can reference it.
func (s *ScenarioService) SimulateScenario(ctx context.Context, tc models.TenantContext, t models.ScenarioType, params map[string]interface{}, baseline *models.FinancialForecast) (*models.Scenario, error) {
	ctx, span := startSpan(ctx, "scenario.simulate", tc.TenantID, attribute.String("scenario.type", string(t)))
	defer span.End()

	if !t.Valid() {
		verr := NewValidationError("scenario")
		verr.Add("type", fmt.Sprintf("unknown scenario type %q", t))
		return nil, verr
	}
	if baseline != nil && baseline.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "forecast", baseline.ID)
	}
	// 先校验参数，避免无效请求消耗配额
	if _, err := s.engine.ParseParams(t, params); err != nil {
		return nil, err
	}
	if s.guard != nil {
		if err := s.guard.Check(ctx, tc, ResourceScenarios); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	if baseline == nil {
		b, err := s.baseline(ctx, tc.TenantID)
		if err != nil {
			return nil, err
		}
		baseline = b
	}

	sc, err := s.engine.Simulate(tc.TenantID, t, params, baseline, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveScenario(ctx, sc); err != nil {
		return nil, fmt.Errorf("save scenario: %w", err)
	}

	s.metrics.ObserveScenario(string(t), string(sc.RiskLevel))
	s.auditor.Record(ctx, models.AuditEvent{
		TenantID: tc.TenantID,
		Type:     models.AuditScenarioCreated,
		EntityID: sc.ID,
		Message:  fmt.Sprintf("%s scenario simulated: risk %s (%.1f), runway %+.0f days", t, sc.RiskLevel, sc.RiskScore, sc.RunwayChangeDays),
		Data: map[string]interface{}{
			"baseline_forecast_ref": sc.BaselineForecastRef,
			"risk_score":            sc.RiskScore,
			"runway_change_days":    sc.RunwayChangeDays,
		},
	})
	s.logger.WithFields(logrus.Fields{
		"tenant_id":   tc.TenantID,
		"scenario_id": sc.ID,
		"type":        t,
		"risk_level":  sc.RiskLevel,
	}).Info("scenario simulated")
	return sc, nil
}

func (s *ScenarioService) baseline(ctx context.Context, tenantID string) (*models.FinancialForecast, error) {
	now := s.clock.Now()
	window := s.forecasts.DefaultWindow(now)
	hist, err := s.history.GetHistory(ctx, tenantID, window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	f, err := s.forecasts.Compute(tenantID, models.ForecastCashRunway, hist, window, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveForecast(ctx, f); err != nil {
		return nil, fmt.Errorf("save baseline forecast: %w", err)
	}
	return f, nil
}

func (s *ScenarioService) GetScenario(ctx context.Context, tc models.TenantContext, id string) (*models.Scenario, error) {
	sc, err := s.store.GetScenario(ctx, tc.TenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "scenario", id)
	}
	if sc.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "scenario", id)
	}
	return sc, nil
}

func (s *ScenarioService) ListScenarios(ctx context.Context, tc models.TenantContext) ([]*models.Scenario, error) {
	out, err := s.store.ListScenarios(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}
	for _, sc := range out {
		if sc.TenantID != tc.TenantID {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "scenario", sc.ID)
		}
	}
	return out, nil
}
