package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Open connects to the configured database. Tracing installs the OpenTelemetry gorm plugin.
func Open(cfg config.DatabaseConfig, tracing bool, log *logrus.Logger) (*gorm.DB, error) {
	if log == nil {
		log = logrus.New()
	}
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "finpilot.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "":
		dialector = postgres.Open(cfg.PostgresDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if tracing {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			log.Warnf("gorm tracing plugin not installed: %v", err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	log.Infof("Database connected (driver=%s)", cfg.Driver)
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllRecords()...)
}

// GormStore implements Store over gorm (postgres in production, sqlite in tests).
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) upsert(ctx context.Context, rec interface{}) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

func (s *GormStore) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	rec, err := ruleToRecord(rule)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) UpdateRule(ctx context.Context, rule *models.AutomationRule) error {
	rec, err := ruleToRecord(rule)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&RuleRecord{}).
		Where("tenant_id = ? AND id = ?", rule.TenantID, rule.ID).
		Select("*").Updates(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetRule(ctx context.Context, tenantID, id string) (*models.AutomationRule, error) {
	var rec RuleRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return rec.toModel()
}

func (s *GormStore) ListRules(ctx context.Context, tenantID string, filter RuleFilter) ([]*models.AutomationRule, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.TriggerType != "" {
		q = q.Where("trigger_type = ?", string(filter.TriggerType))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var recs []RuleRecord
	if err := q.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.AutomationRule, 0, len(recs))
	for i := range recs {
		r, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *GormStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&RuleRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CountRules(ctx context.Context, tenantID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RuleRecord{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	return int(n), err
}

func (s *GormStore) SaveExecution(ctx context.Context, exec *models.AutomationExecution) error {
	rec, err := executionToRecord(exec)
	if err != nil {
		return err
	}
	return s.upsert(ctx, rec)
}

func (s *GormStore) GetExecution(ctx context.Context, tenantID, id string) (*models.AutomationExecution, error) {
	var rec ExecutionRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return rec.toModel()
}

func (s *GormStore) FindExecutionByKey(ctx context.Context, tenantID, key string) (*models.AutomationExecution, error) {
	var rec ExecutionRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return rec.toModel()
}

func (s *GormStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*models.AutomationExecution, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.RuleID != "" {
		q = q.Where("rule_id = ?", filter.RuleID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var recs []ExecutionRecord
	if err := q.Order("triggered_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.AutomationExecution, 0, len(recs))
	for i := range recs {
		e, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *GormStore) CountExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ExecutionRecord{}).
		Where("tenant_id = ? AND triggered_at >= ? AND status <> ?", tenantID, since, string(models.ExecutionSkipped)).
		Count(&n).Error
	return int(n), err
}

func (s *GormStore) SaveInsight(ctx context.Context, insight *models.SmartInsight) error {
	payload, err := toJSON(insight)
	if err != nil {
		return err
	}
	return s.upsert(ctx, &InsightRecord{
		ID:          insight.ID,
		TenantID:    insight.TenantID,
		Type:        string(insight.Type),
		Dismissed:   insight.Dismissed,
		GeneratedAt: insight.GeneratedAt,
		Payload:     payload,
	})
}

func (s *GormStore) GetInsight(ctx context.Context, tenantID, id string) (*models.SmartInsight, error) {
	var rec InsightRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	var out models.SmartInsight
	if err := fromJSON(rec.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormStore) ListInsights(ctx context.Context, tenantID string, includeDismissed bool) ([]*models.SmartInsight, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if !includeDismissed {
		q = q.Where("dismissed = ?", false)
	}
	var recs []InsightRecord
	if err := q.Order("generated_at DESC, id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.SmartInsight, 0, len(recs))
	for i := range recs {
		var in models.SmartInsight
		if err := fromJSON(recs[i].Payload, &in); err != nil {
			return nil, err
		}
		out = append(out, &in)
	}
	return out, nil
}

func (s *GormStore) SaveForecast(ctx context.Context, f *models.FinancialForecast) error {
	payload, err := toJSON(f)
	if err != nil {
		return err
	}
	return s.upsert(ctx, &ForecastRecord{
		ID:          f.ID,
		TenantID:    f.TenantID,
		Type:        string(f.Type),
		GeneratedAt: f.GeneratedAt,
		Payload:     payload,
	})
}

func (s *GormStore) GetForecast(ctx context.Context, tenantID, id string) (*models.FinancialForecast, error) {
	var rec ForecastRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	var out models.FinancialForecast
	if err := fromJSON(rec.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormStore) ListForecasts(ctx context.Context, tenantID string, forecastType models.ForecastType) ([]*models.FinancialForecast, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if forecastType != "" {
		q = q.Where("type = ?", string(forecastType))
	}
	var recs []ForecastRecord
	if err := q.Order("generated_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.FinancialForecast, 0, len(recs))
	for i := range recs {
		var f models.FinancialForecast
		if err := fromJSON(recs[i].Payload, &f); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, nil
}

func (s *GormStore) CountForecastsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ForecastRecord{}).
		Where("tenant_id = ? AND generated_at >= ?", tenantID, since).Count(&n).Error
	return int(n), err
}

func (s *GormStore) SaveScenario(ctx context.Context, sc *models.Scenario) error {
	payload, err := toJSON(sc)
	if err != nil {
		return err
	}
	return s.upsert(ctx, &ScenarioRecord{
		ID:        sc.ID,
		TenantID:  sc.TenantID,
		Type:      string(sc.Type),
		RiskLevel: string(sc.RiskLevel),
		CreatedAt: sc.CreatedAt,
		Payload:   payload,
	})
}

func (s *GormStore) GetScenario(ctx context.Context, tenantID, id string) (*models.Scenario, error) {
	var rec ScenarioRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	var out models.Scenario
	if err := fromJSON(rec.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormStore) ListScenarios(ctx context.Context, tenantID string) ([]*models.Scenario, error) {
	var recs []ScenarioRecord
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Scenario, 0, len(recs))
	for i := range recs {
		var sc models.Scenario
		if err := fromJSON(recs[i].Payload, &sc); err != nil {
			return nil, err
		}
		out = append(out, &sc)
	}
	return out, nil
}

func (s *GormStore) CountScenariosSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ScenarioRecord{}).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).Count(&n).Error
	return int(n), err
}

func (s *GormStore) AppendAuditEvent(ctx context.Context, ev models.AuditEvent) error {
	data, err := toJSON(ev.Data)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&AuditEventRecord{
		ID:         ev.ID,
		TenantID:   ev.TenantID,
		Type:       string(ev.Type),
		EntityID:   ev.EntityID,
		FromStatus: ev.FromStatus,
		ToStatus:   ev.ToStatus,
		Message:    ev.Message,
		Data:       data,
		OccurredAt: ev.OccurredAt,
	}).Error
}

func (s *GormStore) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]models.AuditEvent, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("occurred_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []AuditEventRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.AuditEvent, len(recs))
	// oldest first, matching MemoryStore
	for i := range recs {
		rec := recs[len(recs)-1-i]
		ev := models.AuditEvent{
			ID:         rec.ID,
			TenantID:   rec.TenantID,
			Type:       models.AuditEventType(rec.Type),
			EntityID:   rec.EntityID,
			FromStatus: rec.FromStatus,
			ToStatus:   rec.ToStatus,
			Message:    rec.Message,
			OccurredAt: rec.OccurredAt,
		}
		if err := fromJSON(rec.Data, &ev.Data); err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

var _ Store = (*GormStore)(nil)
