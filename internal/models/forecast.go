package models

import "time"

// ForecastType 预测类型
type ForecastType string

const (
	ForecastCashRunway        ForecastType = "cash_runway"
	ForecastBurnRate          ForecastType = "burn_rate"
	ForecastRevenueGrowth     ForecastType = "revenue_growth"
	ForecastExpenseTrajectory ForecastType = "expense_trajectory"
	ForecastPaymentInflow     ForecastType = "payment_inflow"
)

// AllForecastTypes lists every forecast type.
func AllForecastTypes() []ForecastType {
	return []ForecastType{ForecastCashRunway, ForecastBurnRate, ForecastRevenueGrowth, ForecastExpenseTrajectory, ForecastPaymentInflow}
}

// Valid reports whether t is a known forecast type.
func (t ForecastType) Valid() bool {
	for _, k := range AllForecastTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// Formulas are exposed verbatim on every forecast.
const (
	FormulaCashRunway        = "cashRunway = currentCash / monthlyBurnRate"
	FormulaBurnRate          = "burnRate = sum(expenses, last 90 days) / 3"
	FormulaRevenueGrowth     = "revenueGrowth% = (currentMonth - previousMonth) / previousMonth * 100"
	FormulaExpenseTrajectory = "expenseTrajectory(m) = currentExpenses * (1 + growthRate)^m"
	FormulaPaymentInflow     = "paymentInflow = (onTimePayments / totalPayments) * averagePaymentValue"
)

// FormulaFor returns the literal formula of a forecast type.
func FormulaFor(t ForecastType) string {
	switch t {
	case ForecastCashRunway:
		return FormulaCashRunway
	case ForecastBurnRate:
		return FormulaBurnRate
	case ForecastRevenueGrowth:
		return FormulaRevenueGrowth
	case ForecastExpenseTrajectory:
		return FormulaExpenseTrajectory
	case ForecastPaymentInflow:
		return FormulaPaymentInflow
	}
	return ""
}

// ConfidenceLevel buckets a confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ConfidenceLevelFor maps a 0-100 score to a level.
func ConfidenceLevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= 70:
		return ConfidenceHigh
	case score >= 40:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ForecastStatistics summarises the data behind a forecast.
type ForecastStatistics struct {
	SampleSize             int     `json:"sample_size"`
	DataDays               int     `json:"data_days"`
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
	TrendRSquared          float64 `json:"trend_r_squared"`
}

// MonthlyCashPoint is one month of a cash timeline. Month 0 is the starting position.
type MonthlyCashPoint struct {
	Month   int     `json:"month"`
	Inflow  float64 `json:"inflow"`
	Outflow float64 `json:"outflow"`
	Net     float64 `json:"net"`
	Balance float64 `json:"balance"`
}

// FinancialForecast 预测结果，创建后不可变
type FinancialForecast struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenant_id"`
	Type            ForecastType       `json:"type"`
	Formula         string             `json:"formula"`
	Inputs          map[string]float64 `json:"inputs"`
	ProjectedValue  float64            `json:"projected_value"`
	Unit            string             `json:"unit"`
	Defined         bool               `json:"defined"`
	ConfidenceScore float64            `json:"confidence_score"`
	ConfidenceLevel ConfidenceLevel    `json:"confidence_level"`
	Assumptions     []Assumption       `json:"assumptions"`
	DataSources     []string           `json:"data_sources"`
	Statistics      ForecastStatistics `json:"statistics"`
	CashTimeline    []MonthlyCashPoint `json:"cash_timeline,omitempty"`
	Window          Window             `json:"window"`
	GeneratedAt     time.Time          `json:"generated_at"`
}
