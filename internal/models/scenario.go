package models

import "time"

// ScenarioType 模拟场景类型
type ScenarioType string

const (
	ScenarioHiring           ScenarioType = "hiring"
	ScenarioLargePurchase    ScenarioType = "large_purchase"
	ScenarioRevenueChange    ScenarioType = "revenue_change"
	ScenarioPaymentDelay     ScenarioType = "payment_delay"
	ScenarioAutomationChange ScenarioType = "automation_change"
	ScenarioCustom           ScenarioType = "custom"
)

// AllScenarioTypes lists every scenario type.
func AllScenarioTypes() []ScenarioType {
	return []ScenarioType{ScenarioHiring, ScenarioLargePurchase, ScenarioRevenueChange, ScenarioPaymentDelay, ScenarioAutomationChange, ScenarioCustom}
}

// Valid reports whether t is a known scenario type.
func (t ScenarioType) Valid() bool {
	for _, k := range AllScenarioTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor buckets a risk score: 0-25 LOW, (25,50] MEDIUM, (50,75] HIGH, (75,100] CRITICAL.
// Scores outside [0,100] are clamped first so the mapping is total.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score <= 25:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RiskDriver is one ranked contributor to a scenario's risk score.
type RiskDriver struct {
	Factor      string  `json:"factor"`
	Impact      float64 `json:"impact"`
	Description string  `json:"description"`
	Mitigation  string  `json:"mitigation"`
}

// RiskSubScores are the four weighted components of the risk score.
type RiskSubScores struct {
	RunwayImpact        float64 `json:"runway_impact"`
	AssumptionRisk      float64 `json:"assumption_risk"`
	MarketVolatility    float64 `json:"market_volatility"`
	ExecutionComplexity float64 `json:"execution_complexity"`
}

// CashFlowImpact is the per-month delta against baseline and its running total.
type CashFlowImpact struct {
	Monthly    []float64 `json:"monthly"`
	Cumulative float64   `json:"cumulative"`
}

// RecommendationType 建议类型
type RecommendationType string

const (
	RecommendDelay         RecommendationType = "delay"
	RecommendReduce        RecommendationType = "reduce"
	RecommendSubstitute    RecommendationType = "substitute"
	RecommendPhase         RecommendationType = "phase"
	RecommendBuffer        RecommendationType = "increase_buffer"
	RecommendAccelerate    RecommendationType = "accelerate_collections"
	RecommendProceed       RecommendationType = "proceed"
	RecommendDiversify     RecommendationType = "diversify_revenue"
	RecommendReviewInvoice RecommendationType = "tighten_payment_terms"
)

// Recommendation is advisory only; it is never applied automatically.
type Recommendation struct {
	Type            RecommendationType `json:"type"`
	Title           string             `json:"title"`
	ExpectedBenefit string             `json:"expected_benefit"`
	RunwayGainDays  float64            `json:"runway_gain_days"`
	RiskReduction   float64            `json:"risk_reduction"`
	ConfidenceScore float64            `json:"confidence_score"`
	Explanation     string             `json:"explanation"`
}

// ScenarioMonth compares baseline and projected balances for one month.
type ScenarioMonth struct {
	Month            int     `json:"month"`
	BaselineBalance  float64 `json:"baseline_balance"`
	ProjectedBalance float64 `json:"projected_balance"`
	Delta            float64 `json:"delta"`
}

// Scenario 场景模拟结果，不可变；重新计算生成新的 Scenario
type Scenario struct {
	ID                  string                 `json:"id"`
	TenantID            string                 `json:"tenant_id"`
	Type                ScenarioType           `json:"type"`
	Name                string                 `json:"name,omitempty"`
	InputParams         map[string]interface{} `json:"input_params"`
	BaselineForecastRef string                 `json:"baseline_forecast_ref"`
	ProjectedForecast   *FinancialForecast     `json:"projected_forecast"`
	BaselineRunwayDays  float64                `json:"baseline_runway_days"`
	ProjectedRunwayDays float64                `json:"projected_runway_days"`
	RunwayChangeDays    float64                `json:"runway_change_days"`
	Timeline            []ScenarioMonth        `json:"timeline"`
	SubScores           RiskSubScores          `json:"sub_scores"`
	RiskScore           float64                `json:"risk_score"`
	RiskLevel           RiskLevel              `json:"risk_level"`
	TopRiskDrivers      []RiskDriver           `json:"top_risk_drivers"`
	CriticalAssumptions []Assumption           `json:"critical_assumptions"`
	CashFlowImpact      CashFlowImpact         `json:"cash_flow_impact"`
	Recommendations     []Recommendation       `json:"recommendations"`
	SuccessProbability  float64                `json:"success_probability"`
	CreatedAt           time.Time              `json:"created_at"`
}
