// Package store persists rules, executions, insights, forecasts, scenarios and audit events.
// Every query is tenant scoped: a record is only reachable with the tenant id it was saved under.
package store

import (
	"context"
	"errors"
	"time"

	"finpilot/internal/models"
)

// ErrNotFound is returned when no record exists for the tenant and id.
var ErrNotFound = errors.New("record not found")

// RuleFilter narrows ListRules.
type RuleFilter struct {
	TriggerType models.TriggerType
	Status      models.RuleStatus
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	RuleID string
	Status models.ExecutionStatus
	Limit  int
}

type RuleStore interface {
	CreateRule(ctx context.Context, rule *models.AutomationRule) error
	UpdateRule(ctx context.Context, rule *models.AutomationRule) error
	GetRule(ctx context.Context, tenantID, id string) (*models.AutomationRule, error)
	ListRules(ctx context.Context, tenantID string, filter RuleFilter) ([]*models.AutomationRule, error)
	DeleteRule(ctx context.Context, tenantID, id string) error
	CountRules(ctx context.Context, tenantID string) (int, error)
}

type ExecutionStore interface {
	// SaveExecution inserts or replaces the execution by id.
	SaveExecution(ctx context.Context, exec *models.AutomationExecution) error
	GetExecution(ctx context.Context, tenantID, id string) (*models.AutomationExecution, error)
	FindExecutionByKey(ctx context.Context, tenantID, key string) (*models.AutomationExecution, error)
	ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*models.AutomationExecution, error)
	// CountExecutionsSince counts non-skipped executions triggered at or after since.
	CountExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

type InsightStore interface {
	SaveInsight(ctx context.Context, insight *models.SmartInsight) error
	GetInsight(ctx context.Context, tenantID, id string) (*models.SmartInsight, error)
	ListInsights(ctx context.Context, tenantID string, includeDismissed bool) ([]*models.SmartInsight, error)
}

type ForecastStore interface {
	SaveForecast(ctx context.Context, f *models.FinancialForecast) error
	GetForecast(ctx context.Context, tenantID, id string) (*models.FinancialForecast, error)
	ListForecasts(ctx context.Context, tenantID string, forecastType models.ForecastType) ([]*models.FinancialForecast, error)
	CountForecastsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

type ScenarioStore interface {
	SaveScenario(ctx context.Context, s *models.Scenario) error
	GetScenario(ctx context.Context, tenantID, id string) (*models.Scenario, error)
	ListScenarios(ctx context.Context, tenantID string) ([]*models.Scenario, error)
	CountScenariosSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

type AuditStore interface {
	AppendAuditEvent(ctx context.Context, ev models.AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]models.AuditEvent, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	RuleStore
	ExecutionStore
	InsightStore
	ForecastStore
	ScenarioStore
	AuditStore
}
