package services

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"
	"finpilot/pkg/utils"
)

// InsightEngine derives explainable insights from a history snapshot using plain
// statistics: IQR fences and z-scores, least-squares trends, on-time ratios and budget ratios.
type InsightEngine struct {
	cfg config.InsightsConfig
}

func NewInsightEngine(cfg config.InsightsConfig) *InsightEngine {
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = 2.5
	}
	if cfg.IQRMultiplier <= 0 {
		cfg.IQRMultiplier = 1.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 8
	}
	if cfg.BudgetWarningRatio <= 0 {
		cfg.BudgetWarningRatio = 0.8
	}
	if cfg.BudgetCriticalRatio <= 0 {
		cfg.BudgetCriticalRatio = 1.0
	}
	if cfg.TrendMinMonths <= 0 {
		cfg.TrendMinMonths = 3
	}
	if cfg.PaymentShiftPoints <= 0 {
		cfg.PaymentShiftPoints = 10
	}
	if cfg.MaxAnomalies <= 0 {
		cfg.MaxAnomalies = 5
	}
	return &InsightEngine{cfg: cfg}
}

// insightConfidence is clip(base + min(bonus, cap) - penalty, 0, 100).
func insightConfidence(base, bonus, bonusCap, penalty float64) float64 {
	return utils.Round(utils.ClampScore(base+math.Min(bonus, bonusCap)-penalty), 1)
}

var severityRank = map[models.InsightSeverity]int{
	models.SeverityCritical: 0,
	models.SeverityWarning:  1,
	models.SeverityInfo:     2,
}

// Generate runs every detector over the part of hist inside window. When no detector has
// enough data it returns an empty slice together with an *InsufficientDataError.
func (e *InsightEngine) Generate(tenantID string, hist *models.FinancialHistory, window models.Window, now time.Time) ([]*models.SmartInsight, error) {
	if hist != nil && hist.TenantID != "" && hist.TenantID != tenantID {
		return nil, &TenantIsolationError{CallerTenant: tenantID, Entity: "history", EntityID: hist.TenantID}
	}
	if hist == nil {
		hist = &models.FinancialHistory{TenantID: tenantID}
	}
	in := inWindow(hist, window)

	var out []*models.SmartInsight
	anyData := false
	for _, detect := range []func(*models.FinancialHistory, models.Window) ([]*models.SmartInsight, bool){
		e.expenseAnomalies,
		e.cashFlowTrend,
		e.revenueTrend,
		e.paymentPattern,
		e.budgetAlerts,
	} {
		found, ok := detect(in, window)
		anyData = anyData || ok
		out = append(out, found...)
	}
	for _, ins := range out {
		ins.ID = utils.GeneratePrefixedID("in")
		ins.TenantID = tenantID
		ins.SourceWindow = window
		ins.GeneratedAt = now
	}
	sort.SliceStable(out, func(i, j int) bool {
		if severityRank[out[i].Severity] != severityRank[out[j].Severity] {
			return severityRank[out[i].Severity] < severityRank[out[j].Severity]
		}
		return out[i].ConfidenceScore > out[j].ConfidenceScore
	})
	if !anyData {
		return []*models.SmartInsight{}, &InsufficientDataError{
			What:   "insights",
			Reason: fmt.Sprintf("the %d-day window has too little history for any insight", window.Days()),
		}
	}
	if out == nil {
		out = []*models.SmartInsight{}
	}
	return out, nil
}

func (e *InsightEngine) expenseAnomalies(h *models.FinancialHistory, _ models.Window) ([]*models.SmartInsight, bool) {
	byCategory := map[string][]models.Transaction{}
	for _, t := range h.Expenses {
		c := strings.TrimSpace(t.Category)
		if c == "" {
			c = "uncategorized"
		}
		byCategory[c] = append(byCategory[c], t)
	}
	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	type hit struct {
		insight *models.SmartInsight
		z       float64
	}
	var hits []hit
	enough := false
	for _, c := range cats {
		txns := byCategory[c]
		if len(txns) < e.cfg.MinSamples {
			continue
		}
		enough = true
		amounts := make([]float64, len(txns))
		for i, t := range txns {
			amounts[i] = t.Amount.Abs().InexactFloat64()
		}
		_, upper := utils.IQRFences(amounts, e.cfg.IQRMultiplier)
		for i, x := range amounts {
			if x <= upper {
				continue
			}
			// 留一法：用其余样本计算均值与标准差
			others := make([]float64, 0, len(amounts)-1)
			others = append(others, amounts[:i]...)
			others = append(others, amounts[i+1:]...)
			m, sd := utils.Mean(others), utils.StdDev(others)
			z := utils.ZScore(x, m, sd)
			if sd == 0 && x > m {
				z = math.Inf(1)
			}
			if z < e.cfg.ZScoreThreshold {
				continue
			}
			sev := models.SeverityWarning
			if z >= 2*e.cfg.ZScoreThreshold {
				sev = models.SeverityCritical
			}
			cv, _ := utils.CoefficientOfVariation(others)
			zShown := math.Min(z, 99)
			t := txns[i]
			hits = append(hits, hit{z: z, insight: &models.SmartInsight{
				Type:            models.InsightExpenseAnomaly,
				Title:           fmt.Sprintf("Unusual %s expense of %.2f on %s", c, x, t.Date.Format("2006-01-02")),
				Severity:        sev,
				ConfidenceScore: insightConfidence(50, 2*float64(len(others)), 30, math.Min(20, 20*cv)),
				Explanation: []models.ContributingFactor{
					{Factor: "z_score", Weight: 0.5, Value: utils.Round(zShown, 2), Description: fmt.Sprintf("%.1f standard deviations above the %s mean of %.2f", zShown, c, m)},
					{Factor: "iqr_excess", Weight: 0.3, Value: utils.RoundMoney(x - upper), Description: fmt.Sprintf("%.2f above the upper fence %.2f (Q3 + %.1f x IQR)", x-upper, upper, e.cfg.IQRMultiplier)},
					{Factor: "sample_size", Weight: 0.2, Value: float64(len(others)), Description: fmt.Sprintf("compared with %d other %s expenses", len(others), c)},
				},
				SuggestedActions: []string{
					"Confirm the expense was approved",
					fmt.Sprintf("Check the invoice with %s", partyOr(t.Party, "the vendor")),
					fmt.Sprintf("Set a budget for %s if this spend will recur", c),
				},
			}})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].z > hits[j].z })
	if len(hits) > e.cfg.MaxAnomalies {
		hits = hits[:e.cfg.MaxAnomalies]
	}
	out := make([]*models.SmartInsight, len(hits))
	for i, h := range hits {
		out[i] = h.insight
	}
	return out, enough
}

func partyOr(p, fallback string) string {
	if strings.TrimSpace(p) == "" {
		return fallback
	}
	return p
}

// trendMonths is the number of complete months covered by the window.
func trendMonths(w models.Window) int {
	n := w.Days() / 30
	if n < 1 {
		n = 1
	}
	return n
}

// trimLeadingZeros drops months before the first month with any activity.
func trimLeadingZeros(series ...[]float64) int {
	first := 0
	for first < len(series[0]) {
		active := false
		for _, s := range series {
			if s[first] != 0 {
				active = true
			}
		}
		if active {
			break
		}
		first++
	}
	return first
}

func (e *InsightEngine) cashFlowTrend(h *models.FinancialHistory, w models.Window) ([]*models.SmartInsight, bool) {
	n := trendMonths(w)
	rev := monthlyTotals(h.Revenue, w.End, n)
	exp := monthlyTotals(h.Expenses, w.End, n)
	first := trimLeadingZeros(rev, exp)
	rev, exp = rev[first:], exp[first:]
	if len(rev) < e.cfg.TrendMinMonths {
		return nil, false
	}
	net := make([]float64, len(rev))
	for i := range rev {
		net[i] = rev[i] - exp[i]
	}
	reg := utils.LinearRegression(net)
	scale := math.Max(utils.Mean(exp), 1)
	relative := reg.Slope / scale
	last := net[len(net)-1]

	sev := models.SeverityInfo
	direction := "stable"
	switch {
	case relative <= -0.02:
		direction = "declining"
		sev = models.SeverityWarning
		if last < 0 {
			sev = models.SeverityCritical
		}
	case relative >= 0.02:
		direction = "improving"
	}
	cv, _ := utils.CoefficientOfVariation(net)
	actions := []string{"Keep monitoring monthly net cash flow"}
	if direction == "declining" {
		actions = []string{
			"Review the fastest-growing expense categories",
			"Chase overdue invoices to pull inflow forward",
			"Run a cash runway forecast",
		}
	}
	return []*models.SmartInsight{{
		Type:            models.InsightCashFlowTrend,
		Title:           fmt.Sprintf("Net cash flow is %s (%+.2f per month)", direction, reg.Slope),
		Severity:        sev,
		ConfidenceScore: insightConfidence(30+40*reg.RSquared, 5*float64(len(net)), 20, math.Min(20, 10*cv)),
		Explanation: []models.ContributingFactor{
			{Factor: "trend_slope", Weight: 0.5, Value: utils.RoundMoney(reg.Slope), Description: "least-squares slope of monthly net cash flow"},
			{Factor: "trend_fit", Weight: 0.3, Value: utils.Round(reg.RSquared, 3), Description: "R squared of the trend line"},
			{Factor: "latest_net", Weight: 0.2, Value: utils.RoundMoney(last), Description: fmt.Sprintf("net cash flow in the last complete month, %d months analysed", len(net))},
		},
		SuggestedActions: actions,
	}}, true
}

func (e *InsightEngine) revenueTrend(h *models.FinancialHistory, w models.Window) ([]*models.SmartInsight, bool) {
	n := trendMonths(w)
	rev := monthlyTotals(h.Revenue, w.End, n)
	rev = rev[trimLeadingZeros(rev):]
	if len(rev) < e.cfg.TrendMinMonths {
		return nil, false
	}
	reg := utils.LinearRegression(rev)
	mean := utils.Mean(rev)
	growth, ok := utils.SafeDiv(reg.Slope, mean)
	if !ok {
		return nil, false
	}
	sev := models.SeverityInfo
	direction := "flat"
	switch {
	case growth <= -0.1:
		direction, sev = "declining", models.SeverityCritical
	case growth <= -0.02:
		direction, sev = "declining", models.SeverityWarning
	case growth >= 0.02:
		direction = "growing"
	}
	cv, _ := utils.CoefficientOfVariation(rev)
	actions := []string{"Keep investing in the channels that drive growth"}
	if direction == "declining" {
		actions = []string{
			"Contact the customers whose spend dropped",
			"Review pricing and churn for the last quarter",
		}
	}
	return []*models.SmartInsight{{
		Type:            models.InsightRevenueTrend,
		Title:           fmt.Sprintf("Revenue is %s (%+.1f%% per month)", direction, growth*100),
		Severity:        sev,
		ConfidenceScore: insightConfidence(30+40*reg.RSquared, 5*float64(len(rev)), 20, math.Min(20, 10*cv)),
		Explanation: []models.ContributingFactor{
			{Factor: "monthly_growth", Weight: 0.5, Value: utils.Round(growth*100, 2), Description: "trend slope as a percentage of mean monthly revenue"},
			{Factor: "trend_fit", Weight: 0.3, Value: utils.Round(reg.RSquared, 3), Description: "R squared of the trend line"},
			{Factor: "mean_revenue", Weight: 0.2, Value: utils.RoundMoney(mean), Description: fmt.Sprintf("mean monthly revenue over %d months", len(rev))},
		},
		SuggestedActions: actions,
	}}, true
}

func (e *InsightEngine) paymentPattern(h *models.FinancialHistory, _ models.Window) ([]*models.SmartInsight, bool) {
	if len(h.Payments) < e.cfg.MinSamples {
		return nil, false
	}
	ps := append([]models.PaymentRecord(nil), h.Payments...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].DueDate.Before(ps[j].DueDate) })
	ratio := func(xs []models.PaymentRecord) float64 {
		on := 0
		for _, p := range xs {
			if p.OnTime() {
				on++
			}
		}
		return float64(on) / float64(len(xs))
	}
	mid := len(ps) / 2
	before, after := ratio(ps[:mid]), ratio(ps[mid:])
	shift := (after - before) * 100
	overall := ratio(ps)

	lateDays := 0.0
	late := 0
	for _, p := range ps {
		if p.PaidDate != nil && p.PaidDate.After(p.DueDate) {
			lateDays += p.PaidDate.Sub(p.DueDate).Hours() / 24
			late++
		}
	}
	avgLate, _ := utils.SafeDiv(lateDays, float64(late))

	var sev models.InsightSeverity
	var title string
	switch {
	case shift <= -2*e.cfg.PaymentShiftPoints:
		sev, title = models.SeverityCritical, fmt.Sprintf("On-time payments fell sharply (%.0f%% to %.0f%%)", before*100, after*100)
	case shift <= -e.cfg.PaymentShiftPoints:
		sev, title = models.SeverityWarning, fmt.Sprintf("On-time payments are falling (%.0f%% to %.0f%%)", before*100, after*100)
	case shift >= e.cfg.PaymentShiftPoints:
		sev, title = models.SeverityInfo, fmt.Sprintf("On-time payments improved (%.0f%% to %.0f%%)", before*100, after*100)
	case overall < 0.7:
		sev, title = models.SeverityWarning, fmt.Sprintf("Only %.0f%% of invoices are paid on time", overall*100)
	default:
		return nil, true
	}
	actions := []string{"Keep the current collection process"}
	if sev != models.SeverityInfo {
		actions = []string{
			"Enable automatic payment reminders before the due date",
			"Offer an early-payment discount to slow payers",
			"Review credit terms for customers who pay late repeatedly",
		}
	}
	return []*models.SmartInsight{{
		Type:            models.InsightPaymentPattern,
		Title:           title,
		Severity:        sev,
		ConfidenceScore: insightConfidence(45, 2*float64(len(ps)), 35, math.Min(15, math.Abs(shift)/10)),
		Explanation: []models.ContributingFactor{
			{Factor: "on_time_shift", Weight: 0.5, Value: utils.Round(shift, 1), Description: fmt.Sprintf("change in on-time ratio between the earlier and later %d invoices", len(ps)-mid)},
			{Factor: "on_time_ratio", Weight: 0.3, Value: utils.Round(overall*100, 1), Description: "share of invoices paid on or before the due date"},
			{Factor: "average_days_late", Weight: 0.2, Value: utils.Round(avgLate, 1), Description: fmt.Sprintf("across %d late payments", late)},
		},
		SuggestedActions: actions,
	}}, true
}

func (e *InsightEngine) budgetAlerts(h *models.FinancialHistory, _ models.Window) ([]*models.SmartInsight, bool) {
	if len(h.Budgets) == 0 {
		return nil, false
	}
	var out []*models.SmartInsight
	for _, b := range h.Budgets {
		limit := b.Limit.InexactFloat64()
		if limit <= 0 {
			continue
		}
		spent := 0.0
		n := 0
		for _, t := range h.Expenses {
			if !strings.EqualFold(t.Category, b.Category) || t.Date.Before(b.PeriodStart) || !t.Date.Before(b.PeriodEnd) {
				continue
			}
			spent += t.Amount.Abs().InexactFloat64()
			n++
		}
		ratio := spent / limit
		var sev models.InsightSeverity
		var title string
		switch {
		case ratio >= e.cfg.BudgetCriticalRatio:
			sev, title = models.SeverityCritical, fmt.Sprintf("%s is over budget (%.0f%% used)", b.Category, ratio*100)
		case ratio >= e.cfg.BudgetWarningRatio:
			sev, title = models.SeverityWarning, fmt.Sprintf("%s budget is %.0f%% used", b.Category, ratio*100)
		default:
			continue
		}
		out = append(out, &models.SmartInsight{
			Type:            models.InsightBudgetAlert,
			Title:           title,
			Severity:        sev,
			ConfidenceScore: insightConfidence(70, 2*float64(n), 25, 0),
			Explanation: []models.ContributingFactor{
				{Factor: "budget_used_ratio", Weight: 0.6, Value: utils.Round(ratio, 3), Description: fmt.Sprintf("%.2f spent of %.2f", spent, limit)},
				{Factor: "threshold", Weight: 0.3, Value: thresholdFor(sev, e.cfg), Description: "alert threshold that was crossed"},
				{Factor: "transactions", Weight: 0.1, Value: float64(n), Description: fmt.Sprintf("expenses in %s from %s to %s", b.Category, b.PeriodStart.Format("2006-01-02"), b.PeriodEnd.Format("2006-01-02"))},
			},
			SuggestedActions: []string{
				fmt.Sprintf("Freeze discretionary %s spend until the period ends", b.Category),
				"Review whether the budget still matches plans",
			},
		})
	}
	return out, true
}

func thresholdFor(sev models.InsightSeverity, cfg config.InsightsConfig) float64 {
	if sev == models.SeverityCritical {
		return cfg.BudgetCriticalRatio
	}
	return cfg.BudgetWarningRatio
}
