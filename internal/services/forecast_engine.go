package services

import (
	"fmt"
	"math"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"
	"finpilot/pkg/utils"

	"github.com/shopspring/decimal"
)

const (
	daysPerMonth        = 30.0
	sustainableRunway   = 3650.0
	burnLookbackDays    = 90
	burnLookbackMonths  = 3
	undefinedConfidence = 20.0
)

// ForecastEngine computes the five deterministic forecasts over a history snapshot. It holds
// no mutable state and never reads outside its inputs, so forecasts for different tenants
// can be computed in parallel.
type ForecastEngine struct {
	horizonMonths   int
	minDataDays     int
	defaultWindow   int
	trajectoryMonth int
}

func NewForecastEngine(cfg config.ForecastConfig) *ForecastEngine {
	e := &ForecastEngine{
		horizonMonths:   cfg.HorizonMonths,
		minDataDays:     cfg.MinDataDays,
		defaultWindow:   cfg.DefaultWindow,
		trajectoryMonth: cfg.TrajectoryMonth,
	}
	if e.horizonMonths <= 0 {
		e.horizonMonths = 12
	}
	if e.minDataDays <= 0 {
		e.minDataDays = 90
	}
	if e.defaultWindow <= 0 {
		e.defaultWindow = 180
	}
	if e.trajectoryMonth <= 0 {
		e.trajectoryMonth = 12
	}
	return e
}

// DefaultWindow returns the window used when a caller does not supply one.
func (e *ForecastEngine) DefaultWindow(now time.Time) models.Window {
	return models.LastDays(now, e.defaultWindow)
}

// Compute builds one forecast. Missing or degenerate data never fails: the forecast comes
// back with Defined=false, low confidence and the reason in its assumptions.
func (e *ForecastEngine) Compute(tenantID string, t models.ForecastType, hist *models.FinancialHistory, window models.Window, now time.Time) (*models.FinancialForecast, error) {
	if !t.Valid() {
		verr := NewValidationError("forecast")
		verr.Add("type", fmt.Sprintf("unknown forecast type %q", t))
		return nil, verr
	}
	if hist != nil && hist.TenantID != "" && hist.TenantID != tenantID {
		return nil, &TenantIsolationError{CallerTenant: tenantID, Entity: "history", EntityID: hist.TenantID}
	}
	if hist == nil {
		hist = &models.FinancialHistory{TenantID: tenantID}
	}
	if window.End.IsZero() {
		window = e.DefaultWindow(now)
	}

	f := &models.FinancialForecast{
		ID:          utils.GeneratePrefixedID("fc"),
		TenantID:    tenantID,
		Type:        t,
		Formula:     models.FormulaFor(t),
		Inputs:      map[string]float64{},
		Window:      window,
		GeneratedAt: now,
		Defined:     true,
	}
	in := inWindow(hist, window)
	f.Statistics.DataDays = dataDays(in)

	switch t {
	case models.ForecastBurnRate:
		e.burnRate(f, in, window.End)
	case models.ForecastCashRunway:
		e.cashRunway(f, in, window.End)
	case models.ForecastRevenueGrowth:
		e.revenueGrowth(f, in, window.End)
	case models.ForecastExpenseTrajectory:
		e.expenseTrajectory(f, in, window.End)
	case models.ForecastPaymentInflow:
		e.paymentInflow(f, in)
	}

	f.ConfidenceScore = e.confidence(f)
	f.ConfidenceLevel = models.ConfidenceLevelFor(f.ConfidenceScore)
	if len(f.Assumptions) == 0 {
		f.Assumptions = append(f.Assumptions, models.Assumption{
			Description:  "Historical data is complete for the window",
			Sensitivity:  models.SensitivityLow,
			CurrentValue: fmt.Sprintf("%d days", f.Statistics.DataDays),
		})
	}
	return f, nil
}

func (e *ForecastEngine) undefined(f *models.FinancialForecast, reason string) {
	f.Defined = false
	f.ProjectedValue = 0
	f.Assumptions = append(f.Assumptions, models.Assumption{
		Description:  reason,
		Sensitivity:  models.SensitivityHigh,
		CurrentValue: "undefined",
	})
}

func (e *ForecastEngine) burnRate(f *models.FinancialForecast, h *models.FinancialHistory, asOf time.Time) {
	f.Unit = "currency/month"
	f.DataSources = []string{"expenses"}
	burn, n := MonthlyBurn(h, asOf)
	f.Inputs["expenses_last_90_days"] = utils.RoundMoney(burn * burnLookbackMonths)
	f.Inputs["months"] = burnLookbackMonths
	monthly := monthlyTotals(h.Expenses, asOf, 6)
	e.seriesStats(f, monthly, n)
	if n == 0 {
		e.undefined(f, "No expenses were recorded in the last 90 days, so burn rate cannot be estimated")
		return
	}
	f.ProjectedValue = utils.RoundMoney(burn)
	f.Assumptions = append(f.Assumptions,
		models.Assumption{Description: "Spending continues at the trailing 90-day average", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%.2f/month", burn)},
		models.Assumption{Description: "All expenses in the window are recurring operating costs", Sensitivity: models.SensitivityLow, CurrentValue: fmt.Sprintf("%d transactions", n)},
	)
}

func (e *ForecastEngine) cashRunway(f *models.FinancialForecast, h *models.FinancialHistory, asOf time.Time) {
	f.Unit = "months"
	f.DataSources = []string{"cash_balances", "expenses", "revenue"}
	burn, n := MonthlyBurn(h, asOf)
	inflow := MonthlyInflow(h, asOf)
	f.Inputs["monthly_burn_rate"] = utils.RoundMoney(burn)
	f.Inputs["monthly_inflow"] = utils.RoundMoney(inflow)
	e.seriesStats(f, monthlyTotals(h.Expenses, asOf, 6), n)

	latest, ok := latestBalanceBefore(h, asOf)
	if !ok {
		e.undefined(f, "No cash balance is available, so runway cannot be computed")
		return
	}
	cash := latest.Amount.InexactFloat64()
	f.Inputs["current_cash"] = utils.RoundMoney(cash)
	// 时间线与 currentCash / monthlyBurnRate 同口径：现有收入不计入跑道
	f.CashTimeline = BuildCashTimeline(cash, 0, burn, e.horizonMonths)

	f.Assumptions = append(f.Assumptions,
		models.Assumption{Description: "Monthly burn stays at the trailing 90-day average", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%.2f/month", burn)},
		models.Assumption{Description: "Existing revenue is not counted toward runway (gross burn)", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%.2f/month excluded", inflow)},
		models.Assumption{Description: "No new financing is raised", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("cash %.2f on %s", cash, latest.Date.Format("2006-01-02"))},
	)
	if burn <= 0 {
		e.undefined(f, "There is no burn in the last 90 days, so cash runway is unbounded")
		return
	}
	if cash <= 0 {
		f.ProjectedValue = 0
		return
	}
	months, _ := utils.SafeDiv(cash, burn)
	f.ProjectedValue = utils.Round(months, 2)
}

func (e *ForecastEngine) revenueGrowth(f *models.FinancialForecast, h *models.FinancialHistory, asOf time.Time) {
	f.Unit = "%"
	f.DataSources = []string{"revenue"}
	months := monthlyTotals(h.Revenue, asOf, 6)
	prev, cur := months[len(months)-2], months[len(months)-1]
	f.Inputs["current_month"] = utils.RoundMoney(cur)
	f.Inputs["previous_month"] = utils.RoundMoney(prev)
	e.seriesStats(f, months, countBetween(h.Revenue, utils.MonthStart(asOf).AddDate(0, -6, 0), utils.MonthStart(asOf)))

	growth, ok := utils.SafeDiv(cur-prev, prev)
	if !ok {
		e.undefined(f, "Previous month revenue is zero, so growth is undefined")
		return
	}
	f.ProjectedValue = utils.Round(growth*100, 2)
	f.Assumptions = append(f.Assumptions, models.Assumption{
		Description:  "The last two complete calendar months are representative",
		Sensitivity:  models.SensitivityMedium,
		CurrentValue: fmt.Sprintf("%.2f -> %.2f", prev, cur),
	})
}

func (e *ForecastEngine) expenseTrajectory(f *models.FinancialForecast, h *models.FinancialHistory, asOf time.Time) {
	f.Unit = "currency/month"
	f.DataSources = []string{"expenses"}
	months := monthlyTotals(h.Expenses, asOf, 6)
	e.seriesStats(f, months, countBetween(h.Expenses, utils.MonthStart(asOf).AddDate(0, -6, 0), utils.MonthStart(asOf)))

	// 跳过前导的零月份
	first := 0
	for first < len(months) && months[first] == 0 {
		first++
	}
	series := months[first:]
	current := months[len(months)-1]
	f.Inputs["current_expenses"] = utils.RoundMoney(current)
	f.Inputs["months"] = float64(e.trajectoryMonth)
	if len(series) < 2 || current <= 0 {
		e.undefined(f, "Fewer than two months of expenses are available, so a growth rate cannot be estimated")
		return
	}
	growth := math.Pow(series[len(series)-1]/series[0], 1/float64(len(series)-1)) - 1
	f.Inputs["growth_rate"] = utils.Round(growth, 4)
	f.ProjectedValue = utils.RoundMoney(current * math.Pow(1+growth, float64(e.trajectoryMonth)))
	f.Assumptions = append(f.Assumptions, models.Assumption{
		Description:  "Expenses keep compounding at the observed monthly growth rate",
		Sensitivity:  models.SensitivityHigh,
		CurrentValue: fmt.Sprintf("%.2f%%/month over %d months", growth*100, len(series)),
	})
}

func (e *ForecastEngine) paymentInflow(f *models.FinancialForecast, h *models.FinancialHistory) {
	f.Unit = "currency/payment"
	f.DataSources = []string{"payments"}
	total := len(h.Payments)
	onTime := 0
	amounts := make([]float64, 0, total)
	for _, p := range h.Payments {
		if p.OnTime() {
			onTime++
		}
		amounts = append(amounts, p.Amount.InexactFloat64())
	}
	avg := utils.Mean(amounts)
	f.Inputs["on_time_payments"] = float64(onTime)
	f.Inputs["total_payments"] = float64(total)
	f.Inputs["average_payment_value"] = utils.RoundMoney(avg)
	e.seriesStats(f, amounts, total)
	if total == 0 {
		e.undefined(f, "No payments fall inside the window, so inflow cannot be estimated")
		return
	}
	ratio := float64(onTime) / float64(total)
	f.ProjectedValue = utils.RoundMoney(ratio * avg)
	f.Assumptions = append(f.Assumptions, models.Assumption{
		Description:  "Customers keep paying on time at the observed rate",
		Sensitivity:  models.SensitivityMedium,
		CurrentValue: fmt.Sprintf("%.1f%% on time", ratio*100),
	})
}

func (e *ForecastEngine) seriesStats(f *models.FinancialForecast, series []float64, sampleSize int) {
	f.Statistics.SampleSize = sampleSize
	if cv, ok := utils.CoefficientOfVariation(series); ok {
		f.Statistics.CoefficientOfVariation = utils.Round(cv, 4)
	}
	if len(series) >= 3 {
		f.Statistics.TrendRSquared = utils.Round(utils.LinearRegression(series).RSquared, 4)
	}
}

// confidence blends data availability (0.35), consistency (0.25), sample size (0.2)
// and trend stability (0.2). At least minDataDays of data counts as full availability.
func (e *ForecastEngine) confidence(f *models.FinancialForecast) float64 {
	st := f.Statistics
	availability := math.Min(float64(st.DataDays)/float64(e.minDataDays), 1)
	consistency := 1 - math.Min(st.CoefficientOfVariation, 1)
	sample := math.Min(float64(st.SampleSize)/30, 1)
	stability := st.TrendRSquared
	if st.SampleSize < 3 {
		stability = 0
	}
	score := 100 * (0.35*availability + 0.25*consistency + 0.2*sample + 0.2*stability)
	if st.SampleSize == 0 {
		score = math.Min(score, 10)
	}
	if !f.Defined {
		score = math.Min(score, undefinedConfidence)
	}
	return utils.Round(utils.ClampScore(score), 1)
}

// MonthlyBurn is sum(expenses in the 90 days before asOf) / 3, with the number of expenses counted.
func MonthlyBurn(h *models.FinancialHistory, asOf time.Time) (float64, int) {
	from := asOf.AddDate(0, 0, -burnLookbackDays)
	total := decimal.Zero
	n := 0
	for _, t := range h.Expenses {
		if !t.Date.Before(from) && t.Date.Before(asOf) {
			total = total.Add(t.Amount.Abs())
			n++
		}
	}
	return total.Div(decimal.NewFromInt(burnLookbackMonths)).InexactFloat64(), n
}

// MonthlyInflow is the trailing 90-day revenue divided by 3.
func MonthlyInflow(h *models.FinancialHistory, asOf time.Time) float64 {
	from := asOf.AddDate(0, 0, -burnLookbackDays)
	total := decimal.Zero
	for _, t := range h.Revenue {
		if !t.Date.Before(from) && t.Date.Before(asOf) {
			total = total.Add(t.Amount.Abs())
		}
	}
	return total.Div(decimal.NewFromInt(burnLookbackMonths)).InexactFloat64()
}

// BuildCashTimeline projects a balance with constant monthly inflow and outflow.
// Month 0 is the starting balance.
func BuildCashTimeline(cash, inflow, outflow float64, months int) []models.MonthlyCashPoint {
	out := make([]models.MonthlyCashPoint, 0, months+1)
	out = append(out, models.MonthlyCashPoint{Month: 0, Balance: utils.RoundMoney(cash)})
	bal := cash
	for m := 1; m <= months; m++ {
		bal += inflow - outflow
		out = append(out, models.MonthlyCashPoint{
			Month:   m,
			Inflow:  utils.RoundMoney(inflow),
			Outflow: utils.RoundMoney(outflow),
			Net:     utils.RoundMoney(inflow - outflow),
			Balance: utils.RoundMoney(bal),
		})
	}
	return out
}

// RunwayFromTimeline returns the days until the balance reaches zero, interpolating
// linearly inside the crossing month (30 days per month). If the balance never crosses
// zero and the last month still burns cash, the last net flow is extrapolated. A
// non-negative terminal flow is sustainable and reported as 3650 days.
func RunwayFromTimeline(tl []models.MonthlyCashPoint) (days float64, sustainable bool) {
	if len(tl) == 0 {
		return 0, false
	}
	if tl[0].Balance <= 0 {
		return 0, false
	}
	for m := 1; m < len(tl); m++ {
		prev, cur := tl[m-1].Balance, tl[m].Balance
		if cur <= 0 {
			frac, ok := utils.SafeDiv(prev, prev-cur)
			if !ok {
				frac = 1
			}
			return math.Min((float64(m-1)+frac)*daysPerMonth, sustainableRunway), false
		}
	}
	last := tl[len(tl)-1]
	net := last.Balance
	if len(tl) > 1 {
		net = last.Balance - tl[len(tl)-2].Balance
	}
	if len(tl) == 1 || net >= 0 {
		return sustainableRunway, true
	}
	extra := last.Balance / -net
	return math.Min((float64(len(tl)-1)+extra)*daysPerMonth, sustainableRunway), false
}

func inWindow(h *models.FinancialHistory, w models.Window) *models.FinancialHistory {
	out := &models.FinancialHistory{TenantID: h.TenantID, Window: w}
	for _, b := range h.CashBalances {
		if w.Contains(b.Date) {
			out.CashBalances = append(out.CashBalances, b)
		}
	}
	for _, t := range h.Expenses {
		if w.Contains(t.Date) {
			out.Expenses = append(out.Expenses, t)
		}
	}
	for _, t := range h.Revenue {
		if w.Contains(t.Date) {
			out.Revenue = append(out.Revenue, t)
		}
	}
	for _, p := range h.Payments {
		if w.Contains(p.DueDate) {
			out.Payments = append(out.Payments, p)
		}
	}
	for _, b := range h.Budgets {
		if b.PeriodEnd.After(w.Start) && b.PeriodStart.Before(w.End) {
			out.Budgets = append(out.Budgets, b)
		}
	}
	return out
}

func dataDays(h *models.FinancialHistory) int {
	first, last, ok := h.DataSpan()
	if !ok {
		return 0
	}
	return utils.DaysBetween(first, last) + 1
}

func latestBalanceBefore(h *models.FinancialHistory, asOf time.Time) (models.BalancePoint, bool) {
	var best models.BalancePoint
	found := false
	for _, b := range h.CashBalances {
		if b.Date.After(asOf) {
			continue
		}
		if !found || b.Date.After(best.Date) {
			best, found = b, true
		}
	}
	return best, found
}

// monthlyTotals sums |amount| per complete calendar month before asOf, oldest first.
func monthlyTotals(txns []models.Transaction, asOf time.Time, months int) []float64 {
	end := utils.MonthStart(asOf)
	start := end.AddDate(0, -months, 0)
	totals := make([]decimal.Decimal, months)
	for i := range totals {
		totals[i] = decimal.Zero
	}
	for _, t := range txns {
		if t.Date.Before(start) || !t.Date.Before(end) {
			continue
		}
		d := t.Date.UTC()
		idx := (d.Year()-start.Year())*12 + int(d.Month()) - int(start.Month())
		if idx >= 0 && idx < months {
			totals[idx] = totals[idx].Add(t.Amount.Abs())
		}
	}
	out := make([]float64, months)
	for i, v := range totals {
		out[i] = v.InexactFloat64()
	}
	return out
}

func countBetween(txns []models.Transaction, from, to time.Time) int {
	n := 0
	for _, t := range txns {
		if !t.Date.Before(from) && t.Date.Before(to) {
			n++
		}
	}
	return n
}
