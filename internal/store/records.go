package store

import (
	"encoding/json"
	"time"

	"finpilot/internal/models"

	"gorm.io/datatypes"
)

// RuleRecord 自动化规则表
type RuleRecord struct {
	ID                  string         `gorm:"primaryKey;size:64"`
	TenantID            string         `gorm:"size:64;index:idx_rules_tenant_trigger,priority:1;not null"`
	Name                string         `gorm:"size:200;not null"`
	Description         string         `gorm:"type:text"`
	TriggerType         string         `gorm:"size:50;index:idx_rules_tenant_trigger,priority:2"`
	TriggerConfig       datatypes.JSON `gorm:"type:json"`
	Conditions          datatypes.JSON `gorm:"type:json"`
	Actions             datatypes.JSON `gorm:"type:json"`
	Status              string         `gorm:"size:20;index"`
	Version             int
	ConsecutiveFailures int
	PausedReason        string `gorm:"type:text"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (RuleRecord) TableName() string { return "automation_rules" }

// ExecutionRecord 规则执行记录表
type ExecutionRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	TenantID        string `gorm:"size:64;not null;index;uniqueIndex:idx_exec_tenant_key,priority:1"`
	RuleID          string `gorm:"size:64;index"`
	RuleVersion     int
	TriggerID       string    `gorm:"size:64"`
	TriggeredAt     time.Time `gorm:"index"`
	Status          string    `gorm:"size:20;index"`
	AttemptCount    int
	NextRetryAt     *time.Time
	IdempotencyKey  string `gorm:"size:255;uniqueIndex:idx_exec_tenant_key,priority:2"`
	Fingerprint     string `gorm:"size:64"`
	Explanation     string `gorm:"type:text"`
	ContextSnapshot datatypes.JSON
	ConditionTrace  datatypes.JSON
	ActionResults   datatypes.JSON
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

func (ExecutionRecord) TableName() string { return "automation_executions" }

// InsightRecord keeps indexed columns next to the full JSON payload.
type InsightRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	TenantID    string    `gorm:"size:64;not null;index"`
	Type        string    `gorm:"size:50"`
	Dismissed   bool      `gorm:"index"`
	GeneratedAt time.Time `gorm:"index"`
	Payload     datatypes.JSON
}

func (InsightRecord) TableName() string { return "smart_insights" }

type ForecastRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	TenantID    string    `gorm:"size:64;not null;index"`
	Type        string    `gorm:"size:50;index"`
	GeneratedAt time.Time `gorm:"index"`
	Payload     datatypes.JSON
}

func (ForecastRecord) TableName() string { return "financial_forecasts" }

type ScenarioRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	TenantID  string    `gorm:"size:64;not null;index"`
	Type      string    `gorm:"size:50"`
	RiskLevel string    `gorm:"size:20"`
	CreatedAt time.Time `gorm:"index"`
	Payload   datatypes.JSON
}

func (ScenarioRecord) TableName() string { return "scenarios" }

// AuditEventRecord 审计事件表（仅追加）
type AuditEventRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	TenantID   string    `gorm:"size:64;not null;index"`
	Type       string    `gorm:"size:50;index"`
	EntityID   string    `gorm:"size:64;index"`
	FromStatus string    `gorm:"size:20"`
	ToStatus   string    `gorm:"size:20"`
	Message    string    `gorm:"type:text"`
	Data       datatypes.JSON
	OccurredAt time.Time `gorm:"index"`
}

func (AuditEventRecord) TableName() string { return "audit_events" }

// AllRecords lists every table for AutoMigrate.
func AllRecords() []interface{} {
	return []interface{}{
		&RuleRecord{}, &ExecutionRecord{}, &InsightRecord{},
		&ForecastRecord{}, &ScenarioRecord{}, &AuditEventRecord{},
	}
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func fromJSON(b datatypes.JSON, out interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

func ruleToRecord(r *models.AutomationRule) (*RuleRecord, error) {
	tc, err := toJSON(r.TriggerConfig)
	if err != nil {
		return nil, err
	}
	cond, err := toJSON(r.Conditions)
	if err != nil {
		return nil, err
	}
	acts, err := toJSON(r.Actions)
	if err != nil {
		return nil, err
	}
	return &RuleRecord{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		Name:                r.Name,
		Description:         r.Description,
		TriggerType:         string(r.TriggerType),
		TriggerConfig:       tc,
		Conditions:          cond,
		Actions:             acts,
		Status:              string(r.Status),
		Version:             r.Version,
		ConsecutiveFailures: r.ConsecutiveFailures,
		PausedReason:        r.PausedReason,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}, nil
}

func (rec *RuleRecord) toModel() (*models.AutomationRule, error) {
	r := &models.AutomationRule{
		ID:                  rec.ID,
		TenantID:            rec.TenantID,
		Name:                rec.Name,
		Description:         rec.Description,
		TriggerType:         models.TriggerType(rec.TriggerType),
		Status:              models.RuleStatus(rec.Status),
		Version:             rec.Version,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		PausedReason:        rec.PausedReason,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
	if err := fromJSON(rec.TriggerConfig, &r.TriggerConfig); err != nil {
		return nil, err
	}
	if err := fromJSON(rec.Conditions, &r.Conditions); err != nil {
		return nil, err
	}
	if err := fromJSON(rec.Actions, &r.Actions); err != nil {
		return nil, err
	}
	return r, nil
}

func executionToRecord(e *models.AutomationExecution) (*ExecutionRecord, error) {
	snap, err := toJSON(e.ContextSnapshot)
	if err != nil {
		return nil, err
	}
	trace, err := toJSON(e.ConditionTrace)
	if err != nil {
		return nil, err
	}
	results, err := toJSON(e.ActionResults)
	if err != nil {
		return nil, err
	}
	return &ExecutionRecord{
		ID:              e.ID,
		TenantID:        e.TenantID,
		RuleID:          e.RuleID,
		RuleVersion:     e.RuleVersion,
		TriggerID:       e.TriggerID,
		TriggeredAt:     e.TriggeredAt,
		Status:          string(e.Status),
		AttemptCount:    e.AttemptCount,
		NextRetryAt:     e.NextRetryAt,
		IdempotencyKey:  e.IdempotencyKey,
		Fingerprint:     e.Fingerprint,
		Explanation:     e.Explanation,
		ContextSnapshot: snap,
		ConditionTrace:  trace,
		ActionResults:   results,
		CompletedAt:     e.CompletedAt,
		UpdatedAt:       e.UpdatedAt,
	}, nil
}

func (rec *ExecutionRecord) toModel() (*models.AutomationExecution, error) {
	e := &models.AutomationExecution{
		ID:             rec.ID,
		RuleID:         rec.RuleID,
		RuleVersion:    rec.RuleVersion,
		TenantID:       rec.TenantID,
		TriggerID:      rec.TriggerID,
		TriggeredAt:    rec.TriggeredAt,
		Status:         models.ExecutionStatus(rec.Status),
		AttemptCount:   rec.AttemptCount,
		NextRetryAt:    rec.NextRetryAt,
		IdempotencyKey: rec.IdempotencyKey,
		Fingerprint:    rec.Fingerprint,
		Explanation:    rec.Explanation,
		CompletedAt:    rec.CompletedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if err := fromJSON(rec.ContextSnapshot, &e.ContextSnapshot); err != nil {
		return nil, err
	}
	if err := fromJSON(rec.ConditionTrace, &e.ConditionTrace); err != nil {
		return nil, err
	}
	if err := fromJSON(rec.ActionResults, &e.ActionResults); err != nil {
		return nil, err
	}
	return e, nil
}
