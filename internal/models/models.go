package models

import "time"

// TenantContext 每次核心调用显式传入的租户上下文
type TenantContext struct {
	TenantID string        `json:"tenant_id"`
	PlanTier string        `json:"plan_tier"`
	Usage    UsageCounters `json:"usage"`
}

// UsageCounters is the caller-observed usage for the current billing period.
type UsageCounters struct {
	Rules               int `json:"rules"`
	ExecutionsThisMonth int `json:"executions_this_month"`
	ScenariosThisMonth  int `json:"scenarios_this_month"`
	ForecastsThisMonth  int `json:"forecasts_this_month"`
}

// PlanLimits 套餐限制，0 表示不限
type PlanLimits struct {
	Tier                  string `json:"tier" mapstructure:"tier" yaml:"tier"`
	AutomationEnabled     bool   `json:"automation_enabled" mapstructure:"automation_enabled" yaml:"automation_enabled"`
	MaxRules              int    `json:"max_rules" mapstructure:"max_rules" yaml:"max_rules"`
	MaxExecutionsPerMonth int    `json:"max_executions_per_month" mapstructure:"max_executions_per_month" yaml:"max_executions_per_month"`
	MaxScenariosPerMonth  int    `json:"max_scenarios_per_month" mapstructure:"max_scenarios_per_month" yaml:"max_scenarios_per_month"`
	MaxForecastsPerMonth  int    `json:"max_forecasts_per_month" mapstructure:"max_forecasts_per_month" yaml:"max_forecasts_per_month"`
	UpgradeURL            string `json:"upgrade_url,omitempty" mapstructure:"upgrade_url" yaml:"upgrade_url"`
}

// Window is a half-open historical interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LastDays returns the window of n days ending at end.
func LastDays(end time.Time, n int) Window {
	return Window{Start: end.AddDate(0, 0, -n), End: end}
}

// Days is the window length in whole days.
func (w Window) Days() int {
	if !w.End.After(w.Start) {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Sensitivity 假设敏感度
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Weight maps a sensitivity to the score used by risk aggregation.
func (s Sensitivity) Weight() float64 {
	switch s {
	case SensitivityHigh:
		return 80
	case SensitivityMedium:
		return 50
	default:
		return 20
	}
}

// Assumption is an explicit input to a forecast or scenario.
type Assumption struct {
	Description  string      `json:"description"`
	Sensitivity  Sensitivity `json:"sensitivity"`
	CurrentValue string      `json:"current_value"`
}
