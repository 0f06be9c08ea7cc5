package models

import "time"

// AuditEventType 审计事件类型
type AuditEventType string

const (
	AuditRuleCreated         AuditEventType = "rule_created"
	AuditRuleUpdated         AuditEventType = "rule_updated"
	AuditRuleStatusChanged   AuditEventType = "rule_status_changed"
	AuditRuleAutoPaused      AuditEventType = "rule_auto_paused"
	AuditRuleMatched         AuditEventType = "rule_matched"
	AuditRuleNotMatched      AuditEventType = "rule_not_matched"
	AuditExecutionTransition AuditEventType = "execution_transition"
	AuditActionAttempt       AuditEventType = "action_attempt"
	AuditPlanLimitDenied     AuditEventType = "plan_limit_denied"
	AuditIdempotencyConflict AuditEventType = "idempotency_conflict"
	AuditInsightGenerated    AuditEventType = "insight_generated"
	AuditForecastGenerated   AuditEventType = "forecast_generated"
	AuditScenarioCreated     AuditEventType = "scenario_created"
	AuditSecurityViolation   AuditEventType = "security_violation"
)

// AuditEvent is a structured record emitted at every state transition.
type AuditEvent struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	Type       AuditEventType         `json:"type"`
	EntityID   string                 `json:"entity_id,omitempty"`
	FromStatus string                 `json:"from_status,omitempty"`
	ToStatus   string                 `json:"to_status,omitempty"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}
