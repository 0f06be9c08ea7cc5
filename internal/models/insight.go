package models

import "time"

// InsightType 智能洞察类型
type InsightType string

const (
	InsightExpenseAnomaly InsightType = "expense_anomaly"
	InsightCashFlowTrend  InsightType = "cash_flow_trend"
	InsightPaymentPattern InsightType = "payment_pattern"
	InsightRevenueTrend   InsightType = "revenue_trend"
	InsightBudgetAlert    InsightType = "budget_alert"
)

// InsightSeverity ranks how urgent an insight is.
type InsightSeverity string

const (
	SeverityInfo     InsightSeverity = "info"
	SeverityWarning  InsightSeverity = "warning"
	SeverityCritical InsightSeverity = "critical"
)

// ContributingFactor is one weighted reason behind an insight.
type ContributingFactor struct {
	Factor      string  `json:"factor"`
	Weight      float64 `json:"weight"`
	Value       float64 `json:"value"`
	Description string  `json:"description"`
}

// SmartInsight 可解释的洞察
type SmartInsight struct {
	ID               string               `json:"id"`
	TenantID         string               `json:"tenant_id"`
	Type             InsightType          `json:"type"`
	Title            string               `json:"title"`
	Severity         InsightSeverity      `json:"severity"`
	ConfidenceScore  float64              `json:"confidence_score"`
	Explanation      []ContributingFactor `json:"explanation"`
	SuggestedActions []string             `json:"suggested_actions"`
	Dismissed        bool                 `json:"dismissed"`
	DismissReason    string               `json:"dismiss_reason,omitempty"`
	SourceWindow     Window               `json:"source_window"`
	GeneratedAt      time.Time            `json:"generated_at"`
}
