package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/sirupsen/logrus"
)

// InsightService 洞察服务
type InsightService struct {
	engine  *InsightEngine
	history HistoryProvider
	store   store.InsightStore
	auditor *Auditor
	clock   Clock
	metrics *metrics.Collectors
	logger  *logrus.Logger
	window  int
}

func NewInsightService(engine *InsightEngine, history HistoryProvider, s store.InsightStore, auditor *Auditor, clock Clock, m *metrics.Collectors, logger *logrus.Logger) *InsightService {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &InsightService{engine: engine, history: history, store: s, auditor: auditor, clock: clock, metrics: m, logger: logger, window: 180}
}

// GenerateInsights analyses window (default: the trailing 180 days) and stores every insight.
// With too little history it returns an empty slice and an *InsufficientDataError.
func (s *InsightService) GenerateInsights(ctx context.Context, tc models.TenantContext, window models.Window) ([]*models.SmartInsight, error) {
	ctx, span := startSpan(ctx, "insights.generate", tc.TenantID)
	defer span.End()

	now := s.clock.Now()
	if window.End.IsZero() {
		window = models.LastDays(now, s.window)
	}
	hist, err := s.history.GetHistory(ctx, tc.TenantID, window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	insights, err := s.engine.Generate(tc.TenantID, hist, window, now)
	if err != nil {
		var iso *TenantIsolationError
		if errors.As(err, &iso) {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, iso.Entity, iso.EntityID)
		}
		if IsInsufficientData(err) {
			s.logger.WithField("tenant_id", tc.TenantID).Info(Explain(err))
		}
		return insights, err
	}

	for _, ins := range insights {
		if err := s.store.SaveInsight(ctx, ins); err != nil {
			return nil, fmt.Errorf("save insight: %w", err)
		}
		s.metrics.ObserveInsight(string(ins.Type), string(ins.Severity))
		s.auditor.Record(ctx, models.AuditEvent{
			TenantID: tc.TenantID,
			Type:     models.AuditInsightGenerated,
			EntityID: ins.ID,
			Message:  ins.Title,
			Data: map[string]interface{}{
				"type":       string(ins.Type),
				"severity":   string(ins.Severity),
				"confidence": ins.ConfidenceScore,
			},
		})
	}
	s.logger.WithFields(logrus.Fields{"tenant_id": tc.TenantID, "count": len(insights)}).Info("insights generated")
	return insights, nil
}

// DismissInsight hides an insight from default listings. Dismissing twice keeps the first reason.
func (s *InsightService) DismissInsight(ctx context.Context, tc models.TenantContext, id, reason string) (*models.SmartInsight, error) {
	ins, err := s.GetInsight(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	if ins.Dismissed {
		return ins, nil
	}
	ins.Dismissed = true
	ins.DismissReason = strings.TrimSpace(reason)
	if err := s.store.SaveInsight(ctx, ins); err != nil {
		return nil, fmt.Errorf("save insight: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"tenant_id": tc.TenantID, "insight_id": id}).Info("insight dismissed")
	return ins, nil
}

func (s *InsightService) GetInsight(ctx context.Context, tc models.TenantContext, id string) (*models.SmartInsight, error) {
	ins, err := s.store.GetInsight(ctx, tc.TenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "insight", id)
	}
	if ins.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "insight", id)
	}
	return ins, nil
}

func (s *InsightService) ListInsights(ctx context.Context, tc models.TenantContext, includeDismissed bool) ([]*models.SmartInsight, error) {
	out, err := s.store.ListInsights(ctx, tc.TenantID, includeDismissed)
	if err != nil {
		return nil, err
	}
	for _, ins := range out {
		if ins.TenantID != tc.TenantID {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "insight", ins.ID)
		}
	}
	return out, nil
}
