package services

import (
	"context"
	"errors"
	"fmt"

	"finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("finpilot/services")

func startSpan(ctx context.Context, name, tenantID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("tenant.id", tenantID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// ForecastService 预测服务：配额检查、取数、计算、持久化与审计
type ForecastService struct {
	engine  *ForecastEngine
	history HistoryProvider
	store   store.ForecastStore
	guard   *PlanGuard
	auditor *Auditor
	clock   Clock
	metrics *metrics.Collectors
	logger  *logrus.Logger
}

func NewForecastService(engine *ForecastEngine, history HistoryProvider, s store.ForecastStore, guard *PlanGuard, auditor *Auditor, clock Clock, m *metrics.Collectors, logger *logrus.Logger) *ForecastService {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ForecastService{engine: engine, history: history, store: s, guard: guard, auditor: auditor, clock: clock, metrics: m, logger: logger}
}

// Engine exposes the pure engine for callers that already hold a history snapshot.
func (s *ForecastService) Engine() *ForecastEngine { return s.engine }

// GenerateForecast checks the plan, loads the tenant's history for window and persists the
// computed forecast. A zero window means the engine's default trailing window.
func (s *ForecastService) GenerateForecast(ctx context.Context, tc models.TenantContext, t models.ForecastType, window models.Window) (*models.FinancialForecast, error) {
	ctx, span := startSpan(ctx, "forecast.generate", tc.TenantID, attribute.String("forecast.type", string(t)))
	defer span.End()

	if !t.Valid() {
		verr := NewValidationError("forecast")
		verr.Add("type", fmt.Sprintf("unknown forecast type %q", t))
		return nil, verr
	}
	if s.guard != nil {
		if err := s.guard.Check(ctx, tc, ResourceForecasts); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	if window.End.IsZero() {
		window = s.engine.DefaultWindow(now)
	}
	hist, err := s.history.GetHistory(ctx, tc.TenantID, window)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load history: %w", err)
	}
	f, err := s.engine.Compute(tc.TenantID, t, hist, window, now)
	if err != nil {
		s.securityCheck(ctx, tc, err)
		return nil, err
	}
	if err := s.store.SaveForecast(ctx, f); err != nil {
		return nil, fmt.Errorf("save forecast: %w", err)
	}

	s.metrics.ObserveForecast(string(t), string(f.ConfidenceLevel))
	s.auditor.Record(ctx, models.AuditEvent{
		TenantID: tc.TenantID,
		Type:     models.AuditForecastGenerated,
		EntityID: f.ID,
		Message:  fmt.Sprintf("%s forecast generated (confidence %.1f)", t, f.ConfidenceScore),
		Data: map[string]interface{}{
			"type":            string(t),
			"projected_value": f.ProjectedValue,
			"defined":         f.Defined,
		},
	})
	s.logger.WithFields(logrus.Fields{
		"tenant_id":   tc.TenantID,
		"forecast_id": f.ID,
		"type":        t,
		"defined":     f.Defined,
	}).Info("forecast generated")
	return f, nil
}

func (s *ForecastService) GetForecast(ctx context.Context, tc models.TenantContext, id string) (*models.FinancialForecast, error) {
	f, err := s.store.GetForecast(ctx, tc.TenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "forecast", id)
	}
	if f.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "forecast", id)
	}
	return f, nil
}

func (s *ForecastService) ListForecasts(ctx context.Context, tc models.TenantContext, t models.ForecastType) ([]*models.FinancialForecast, error) {
	out, err := s.store.ListForecasts(ctx, tc.TenantID, t)
	if err != nil {
		return nil, err
	}
	for _, f := range out {
		if f.TenantID != tc.TenantID {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "forecast", f.ID)
		}
	}
	return out, nil
}

func (s *ForecastService) securityCheck(ctx context.Context, tc models.TenantContext, err error) {
	var iso *TenantIsolationError
	if errors.As(err, &iso) {
		isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, iso.Entity, iso.EntityID)
	}
}

// isolationViolation logs and audits a cross-tenant access and returns the error to surface.
func isolationViolation(ctx context.Context, auditor *Auditor, m *metrics.Collectors, logger *logrus.Logger, caller, entity, id string) error {
	m.ObserveSecurityIncident()
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"security":  true,
			"tenant_id": caller,
			"entity":    entity,
			"entity_id": id,
		}).Error("tenant isolation violation")
	}
	auditor.Record(ctx, models.AuditEvent{
		TenantID: caller,
		Type:     models.AuditSecurityViolation,
		EntityID: id,
		Message:  fmt.Sprintf("%s %s does not belong to the calling tenant", entity, id),
	})
	return &TenantIsolationError{CallerTenant: caller, Entity: entity, EntityID: id}
}

func mapStoreError(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}
