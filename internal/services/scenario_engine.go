package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/models"
	"finpilot/pkg/utils"

	"github.com/go-playground/validator/v10"
)

// baseFlows is the constant monthly position a scenario perturbs. Runway follows the
// cash runway formula (currentCash / monthlyBurnRate): Inflow is the existing monthly
// revenue, used to size revenue-related deltas, and is not itself counted toward runway.
// Only the inflow a scenario adds or removes moves the balance.
type baseFlows struct {
	Cash    float64
	Inflow  float64
	Outflow float64
}

// scenarioDelta is the perturbation of one scenario type. apply returns extra inflow and
// outflow indexed by month 1..horizon; index 0 is the starting balance and stays untouched.
type scenarioDelta interface {
	apply(base baseFlows, horizon int) (in, out []float64)
	assumptions() []models.Assumption
	complexity() float64
	variants() []scenarioVariant
}

type startsAt interface {
	start() int
}

type scenarioVariant struct {
	kind        models.RecommendationType
	title       string
	explanation string
	delta       scenarioDelta
}

func flows(h int) ([]float64, []float64) {
	return make([]float64, h+1), make([]float64, h+1)
}

func rampFactor(monthsIn, ramp int) float64 {
	if ramp <= 0 {
		return 1
	}
	return math.Min(1, float64(monthsIn)/float64(ramp))
}

type hiringParams struct {
	Headcount              int     `json:"headcount" validate:"gte=1,lte=500"`
	MonthlyCost            float64 `json:"monthly_cost" validate:"gt=0"`
	OneTimeCost            float64 `json:"one_time_cost" validate:"gte=0"`
	RampMonths             int     `json:"ramp_months" validate:"gte=0,lte=24"`
	ExpectedMonthlyRevenue float64 `json:"expected_monthly_revenue" validate:"gte=0"`
	StartMonth             int     `json:"start_month" validate:"gte=1,lte=120"`
}

func (p hiringParams) start() int { return p.StartMonth }

func (p hiringParams) apply(_ baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	hc := float64(p.Headcount)
	for m := p.StartMonth; m <= h; m++ {
		out[m] += hc * p.MonthlyCost
		in[m] += hc * p.ExpectedMonthlyRevenue * rampFactor(m-p.StartMonth+1, p.RampMonths)
	}
	if p.StartMonth <= h {
		out[p.StartMonth] += hc * p.OneTimeCost
	}
	return in, out
}

func (p hiringParams) assumptions() []models.Assumption {
	out := []models.Assumption{
		{Description: "Fully loaded monthly cost per hire holds", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%.2f x %d", p.MonthlyCost, p.Headcount)},
		{Description: "New hires reach full productivity after the ramp period", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%d months", p.RampMonths)},
	}
	if p.ExpectedMonthlyRevenue > 0 {
		out = append(out, models.Assumption{Description: "Each hire generates the expected revenue once ramped", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%.2f/month", p.ExpectedMonthlyRevenue)})
	} else {
		out = append(out, models.Assumption{Description: "Hires do not generate direct revenue", Sensitivity: models.SensitivityLow, CurrentValue: "0"})
	}
	if p.OneTimeCost > 0 {
		out = append(out, models.Assumption{Description: "Recruiting and onboarding cost is paid in the start month", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%.2f per hire", p.OneTimeCost)})
	}
	return out
}

func (p hiringParams) complexity() float64 {
	c := 40 + math.Min(30, 5*float64(p.Headcount-1))
	if p.RampMonths > 3 {
		c += 10
	}
	if p.ExpectedMonthlyRevenue > 0 {
		c += 10
	}
	return c
}

func (p hiringParams) variants() []scenarioVariant {
	delayed := p
	delayed.StartMonth += 3
	out := []scenarioVariant{{
		kind:        models.RecommendDelay,
		title:       "Delay the hire by three months",
		explanation: "Starting later keeps three more months of salary in the bank while revenue catches up.",
		delta:       delayed,
	}}
	if p.Headcount > 1 {
		fewer := p
		fewer.Headcount--
		out = append(out, scenarioVariant{
			kind:        models.RecommendReduce,
			title:       fmt.Sprintf("Hire %d instead of %d", fewer.Headcount, p.Headcount),
			explanation: "One fewer hire lowers the fixed monthly cost added to burn.",
			delta:       fewer,
		})
		first := p
		first.Headcount = (p.Headcount + 1) / 2
		second := p
		second.Headcount = p.Headcount - first.Headcount
		second.StartMonth += 3
		out = append(out, scenarioVariant{
			kind:        models.RecommendPhase,
			title:       fmt.Sprintf("Hire %d now and %d three months later", first.Headcount, second.Headcount),
			explanation: "Phasing the hires spreads the cost increase over time.",
			delta:       combinedDelta{first, second},
		})
	} else {
		cheaper := p
		cheaper.MonthlyCost *= 0.85
		out = append(out, scenarioVariant{
			kind:        models.RecommendReduce,
			title:       "Negotiate the package down 15%",
			explanation: "A lower fully loaded cost reduces the added burn.",
			delta:       cheaper,
		})
	}
	contractor := p
	contractor.MonthlyCost *= 0.7
	contractor.OneTimeCost = 0
	out = append(out, scenarioVariant{
		kind:        models.RecommendSubstitute,
		title:       "Use contractors instead of full-time hires",
		explanation: "Contractors avoid onboarding cost and can be scaled down if revenue lags.",
		delta:       contractor,
	})
	return out
}

type purchaseParams struct {
	Amount     float64 `json:"amount" validate:"gt=0"`
	Recurring  bool    `json:"recurring"`
	Months     int     `json:"months" validate:"gte=0,lte=120"`
	StartMonth int     `json:"start_month" validate:"gte=1,lte=120"`
}

func (p purchaseParams) start() int { return p.StartMonth }

func (p purchaseParams) apply(_ baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	if !p.Recurring {
		if p.StartMonth <= h {
			out[p.StartMonth] += p.Amount
		}
		return in, out
	}
	n := p.Months
	if n <= 0 {
		n = h
	}
	for m := p.StartMonth; m <= h && m < p.StartMonth+n; m++ {
		out[m] += p.Amount
	}
	return in, out
}

func (p purchaseParams) assumptions() []models.Assumption {
	cost := models.Assumption{Description: "The purchase is paid in full in the start month", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%.2f", p.Amount)}
	if p.Recurring {
		cost = models.Assumption{Description: "The recurring cost is fixed for its term", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%.2f/month for %d months", p.Amount, p.Months)}
	}
	return []models.Assumption{
		cost,
		{Description: "The purchase does not change revenue", Sensitivity: models.SensitivityMedium, CurrentValue: "0"},
	}
}

func (p purchaseParams) complexity() float64 {
	if p.Recurring {
		return 40
	}
	return 25
}

func (p purchaseParams) variants() []scenarioVariant {
	delayed := p
	delayed.StartMonth += 3
	smaller := p
	smaller.Amount *= 0.75
	out := []scenarioVariant{
		{kind: models.RecommendDelay, title: "Delay the purchase by three months", explanation: "Deferring the outlay keeps cash available for operations.", delta: delayed},
		{kind: models.RecommendReduce, title: "Downscope the purchase by 25%", explanation: "A smaller purchase reduces the cash outlay.", delta: smaller},
	}
	if !p.Recurring {
		out = append(out,
			scenarioVariant{
				kind:        models.RecommendPhase,
				title:       "Pay in six monthly instalments",
				explanation: "Instalments spread the outlay instead of paying it at once.",
				delta:       purchaseParams{Amount: p.Amount / 6, Recurring: true, Months: 6, StartMonth: p.StartMonth},
			},
			scenarioVariant{
				kind:        models.RecommendSubstitute,
				title:       "Lease instead of buying",
				explanation: "A 36-month lease turns a one-time outlay into a small recurring cost.",
				delta:       purchaseParams{Amount: p.Amount / 36, Recurring: true, Months: 36, StartMonth: p.StartMonth},
			},
		)
	}
	return out
}

type revenueChangeParams struct {
	PercentChange float64 `json:"percent_change" validate:"gte=-100,lte=1000"`
	StartMonth    int     `json:"start_month" validate:"gte=1,lte=120"`
}

func (p revenueChangeParams) start() int { return p.StartMonth }

func (p revenueChangeParams) apply(b baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	for m := p.StartMonth; m <= h; m++ {
		in[m] += b.Inflow * p.PercentChange / 100
	}
	return in, out
}

func (p revenueChangeParams) assumptions() []models.Assumption {
	return []models.Assumption{
		{Description: "Monthly revenue changes by the stated percentage", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%+.1f%%", p.PercentChange)},
		{Description: "Costs stay flat while revenue changes", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("from month %d", p.StartMonth)},
	}
}

func (p revenueChangeParams) complexity() float64 {
	return 45 + math.Min(30, math.Abs(p.PercentChange)/5)
}

func (p revenueChangeParams) variants() []scenarioVariant {
	if p.PercentChange >= 0 {
		return nil
	}
	half := p
	half.PercentChange /= 2
	return []scenarioVariant{{
		kind:        models.RecommendDiversify,
		title:       "Diversify revenue to halve the decline",
		explanation: "Spreading revenue over more customers limits the impact of losing one segment.",
		delta:       half,
	}}
}

type paymentDelayParams struct {
	DelayDays     int     `json:"delay_days" validate:"gte=1,lte=365"`
	AffectedShare float64 `json:"affected_share" validate:"gte=0,lte=1"`
}

// apply shifts the affected share of inflow d months later: in month m the cash received
// is what would have arrived in month m-d.
func (p paymentDelayParams) apply(b baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	d := float64(p.DelayDays) / daysPerMonth
	for m := 1; m <= h; m++ {
		arrived := utils.Clamp(float64(m)-d, 0, 1)
		in[m] -= p.AffectedShare * b.Inflow * (1 - arrived)
	}
	return in, out
}

func (p paymentDelayParams) assumptions() []models.Assumption {
	return []models.Assumption{
		{Description: "Customers pay later than today by the stated delay", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%d days", p.DelayDays)},
		{Description: "Share of inflow affected by the delay", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%.0f%%", p.AffectedShare*100)},
		{Description: "Delayed invoices are eventually collected in full", Sensitivity: models.SensitivityMedium, CurrentValue: "100%"},
	}
}

func (p paymentDelayParams) complexity() float64 {
	return 20 + math.Min(30, float64(p.DelayDays)/10)
}

func (p paymentDelayParams) variants() []scenarioVariant {
	faster := p
	faster.DelayDays = max1(p.DelayDays / 2)
	fewer := p
	fewer.AffectedShare /= 2
	return []scenarioVariant{
		{kind: models.RecommendAccelerate, title: "Halve the delay with reminders and early-payment discounts", explanation: "Earlier collection pulls delayed inflow back into the near months.", delta: faster},
		{kind: models.RecommendReviewInvoice, title: "Tighten payment terms for slow payers", explanation: "Stricter terms reduce the share of revenue that arrives late.", delta: fewer},
	}
}

type automationChangeParams struct {
	MonthlySavings     float64 `json:"monthly_savings" validate:"gte=0"`
	ImplementationCost float64 `json:"implementation_cost" validate:"gte=0"`
	BurnChangePercent  float64 `json:"burn_change_percent" validate:"gte=-100,lte=100"`
	StartMonth         int     `json:"start_month" validate:"gte=1,lte=120"`
}

func (p automationChangeParams) start() int { return p.StartMonth }

func (p automationChangeParams) apply(b baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	if h >= 1 {
		out[1] += p.ImplementationCost
	}
	for m := p.StartMonth; m <= h; m++ {
		out[m] += b.Outflow*p.BurnChangePercent/100 - p.MonthlySavings
	}
	return in, out
}

func (p automationChangeParams) assumptions() []models.Assumption {
	return []models.Assumption{
		{Description: "Automation savings are realised from the start month", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%.2f/month from month %d", p.MonthlySavings, p.StartMonth)},
		{Description: "Implementation cost is paid up front", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%.2f", p.ImplementationCost)},
		{Description: "Burn changes by the stated percentage", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%+.1f%%", p.BurnChangePercent)},
	}
}

func (p automationChangeParams) complexity() float64 {
	c := 50.0
	if p.ImplementationCost > 3*p.MonthlySavings {
		c += 10
	}
	return c
}

func (p automationChangeParams) variants() []scenarioVariant {
	if p.ImplementationCost <= 0 {
		return nil
	}
	lighter := p
	lighter.ImplementationCost *= 0.7
	return []scenarioVariant{{
		kind:        models.RecommendReduce,
		title:       "Start with a lighter rollout",
		explanation: "Automating the highest-volume workflow first cuts the up-front cost by about 30%.",
		delta:       lighter,
	}}
}

type customParams struct {
	MonthlyDeltas        []float64 `json:"monthly_deltas" validate:"max=120"`
	OneTimeDelta         float64   `json:"one_time_delta"`
	InflowChangePercent  float64   `json:"inflow_change_percent" validate:"gte=-100,lte=1000"`
	OutflowChangePercent float64   `json:"outflow_change_percent" validate:"gte=-100,lte=1000"`
}

// apply books positive deltas as inflow and negative ones as outflow.
func (p customParams) apply(b baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	book := func(m int, v float64) {
		if v >= 0 {
			in[m] += v
		} else {
			out[m] -= v
		}
	}
	for m := 1; m <= h; m++ {
		in[m] += b.Inflow * p.InflowChangePercent / 100
		out[m] += b.Outflow * p.OutflowChangePercent / 100
		if m-1 < len(p.MonthlyDeltas) {
			book(m, p.MonthlyDeltas[m-1])
		}
	}
	if h >= 1 {
		book(1, p.OneTimeDelta)
	}
	return in, out
}

func (p customParams) assumptions() []models.Assumption {
	out := []models.Assumption{
		{Description: "User-supplied monthly deltas are accurate", Sensitivity: models.SensitivityHigh, CurrentValue: fmt.Sprintf("%d months", len(p.MonthlyDeltas))},
	}
	if p.InflowChangePercent != 0 {
		out = append(out, models.Assumption{Description: "Inflow changes by the stated percentage", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%+.1f%%", p.InflowChangePercent)})
	}
	if p.OutflowChangePercent != 0 {
		out = append(out, models.Assumption{Description: "Outflow changes by the stated percentage", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%+.1f%%", p.OutflowChangePercent)})
	}
	return out
}

func (p customParams) complexity() float64 {
	return 55 + math.Min(20, float64(len(p.MonthlyDeltas)))
}

func (p customParams) variants() []scenarioVariant { return nil }

// cashInjection raises amount in the given month.
type cashInjection struct {
	amount float64
	month  int
}

func (c cashInjection) apply(_ baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	if c.month >= 1 && c.month <= h {
		in[c.month] += c.amount
	}
	return in, out
}

func (c cashInjection) assumptions() []models.Assumption {
	return []models.Assumption{{Description: "A cash buffer can be raised", Sensitivity: models.SensitivityMedium, CurrentValue: fmt.Sprintf("%.2f in month %d", c.amount, c.month)}}
}

func (c cashInjection) complexity() float64          { return 0 }
func (c cashInjection) variants() []scenarioVariant { return nil }

type combinedDelta []scenarioDelta

func (c combinedDelta) apply(b baseFlows, h int) ([]float64, []float64) {
	in, out := flows(h)
	for _, d := range c {
		di, do := d.apply(b, h)
		for m := range in {
			in[m] += di[m]
			out[m] += do[m]
		}
	}
	return in, out
}

func (c combinedDelta) assumptions() []models.Assumption {
	var out []models.Assumption
	for _, d := range c {
		out = append(out, d.assumptions()...)
	}
	return out
}

func (c combinedDelta) complexity() float64 {
	m := 0.0
	for _, d := range c {
		m = math.Max(m, d.complexity())
	}
	return m
}

func (c combinedDelta) variants() []scenarioVariant { return nil }

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

var scenarioExposure = map[models.ScenarioType]float64{
	models.ScenarioHiring:           0.6,
	models.ScenarioLargePurchase:    0.4,
	models.ScenarioRevenueChange:    1.0,
	models.ScenarioPaymentDelay:     0.9,
	models.ScenarioAutomationChange: 0.3,
	models.ScenarioCustom:           0.8,
}

var runwayMitigation = map[models.ScenarioType]string{
	models.ScenarioHiring:           "Stage the hires or tie them to revenue milestones",
	models.ScenarioLargePurchase:    "Finance or lease the purchase to spread the cash outlay",
	models.ScenarioRevenueChange:    "Cut discretionary spend in step with the revenue change",
	models.ScenarioPaymentDelay:     "Offer early-payment discounts and chase overdue invoices sooner",
	models.ScenarioAutomationChange: "Phase the rollout so savings fund the implementation",
	models.ScenarioCustom:           "Revisit the largest negative monthly deltas",
}

var complexityMitigation = map[models.ScenarioType]string{
	models.ScenarioHiring:           "Prepare onboarding plans before the start date",
	models.ScenarioLargePurchase:    "Agree delivery and payment milestones with the vendor",
	models.ScenarioRevenueChange:    "Track the change monthly against plan",
	models.ScenarioPaymentDelay:     "Automate payment reminders for affected customers",
	models.ScenarioAutomationChange: "Pilot the automation with one team first",
	models.ScenarioCustom:           "Break the plan into reviewable monthly steps",
}

// ScenarioEngine perturbs a baseline cash timeline and scores the result. Like the
// forecast engine it is pure over its inputs.
type ScenarioEngine struct {
	weights    [4]float64
	safeRunway float64
	horizon    int
	maxRecs    int
	validate   *validator.Validate
}

func NewScenarioEngine(cfg config.ScenarioConfig) *ScenarioEngine {
	w := [4]float64{cfg.RunwayWeight, cfg.AssumptionWeight, cfg.VolatilityWeight, cfg.ComplexityWeight}
	sum := w[0] + w[1] + w[2] + w[3]
	if sum <= 0 {
		w, sum = [4]float64{0.4, 0.3, 0.2, 0.1}, 1
	}
	for i := range w {
		w[i] /= sum
	}
	e := &ScenarioEngine{
		weights:    w,
		safeRunway: cfg.SafeRunwayDays,
		horizon:    cfg.HorizonMonths,
		maxRecs:    cfg.MaxRecommendations,
		validate:   validator.New(),
	}
	if e.safeRunway <= 0 {
		e.safeRunway = 365
	}
	if e.horizon <= 0 {
		e.horizon = 24
	}
	if e.maxRecs <= 0 {
		e.maxRecs = 4
	}
	e.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return e
}

// RiskScore applies the configured weights to the four sub-scores.
func (e *ScenarioEngine) RiskScore(s models.RiskSubScores) float64 {
	v := e.weights[0]*s.RunwayImpact + e.weights[1]*s.AssumptionRisk + e.weights[2]*s.MarketVolatility + e.weights[3]*s.ExecutionComplexity
	return utils.Round(utils.ClampScore(v), 1)
}

// SuccessProbability maps a risk score through a logistic centred at 50 with scale 12:
// risk 50 gives 50%, risk 25 about 89%, risk 75 about 11%.
func SuccessProbability(riskScore float64) float64 {
	p := 100 / (1 + math.Exp((utils.ClampScore(riskScore)-50)/12))
	return utils.Round(utils.ClampScore(p), 1)
}

// ParseParams decodes and validates raw scenario params, applying defaults.
func (e *ScenarioEngine) ParseParams(t models.ScenarioType, raw map[string]interface{}) (map[string]interface{}, error) {
	d, err := e.parse(t, raw)
	if err != nil {
		return nil, err
	}
	return paramsMap(d)
}

func (e *ScenarioEngine) parse(t models.ScenarioType, raw map[string]interface{}) (scenarioDelta, error) {
	verr := NewValidationError("scenario")
	var target interface{}
	switch t {
	case models.ScenarioHiring:
		target = &hiringParams{Headcount: 1, StartMonth: 1}
	case models.ScenarioLargePurchase:
		target = &purchaseParams{StartMonth: 1}
	case models.ScenarioRevenueChange:
		target = &revenueChangeParams{StartMonth: 1}
	case models.ScenarioPaymentDelay:
		target = &paymentDelayParams{AffectedShare: 1}
	case models.ScenarioAutomationChange:
		target = &automationChangeParams{StartMonth: 1}
	case models.ScenarioCustom:
		target = &customParams{}
	default:
		verr.Add("type", fmt.Sprintf("unknown scenario type %q", t))
		return nil, verr
	}

	b, err := json.Marshal(raw)
	if err != nil {
		verr.Add("params", err.Error())
		return nil, verr
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		verr.Add("params", err.Error())
		return nil, verr
	}
	if err := e.validate.Struct(target); err != nil {
		if ves, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ves {
				verr.Add("params."+fe.Field(), describeTag(fe))
			}
		} else {
			verr.Add("params", err.Error())
		}
	}

	d := reflect.ValueOf(target).Elem().Interface().(scenarioDelta)
	if s, ok := d.(startsAt); ok && s.start() > e.horizon {
		verr.Add("params.start_month", fmt.Sprintf("must be within the %d month horizon", e.horizon))
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return d, nil
}

// paramsMap renders parsed params, defaults included, back into a generic map.
func paramsMap(d scenarioDelta) (map[string]interface{}, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode scenario params: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode scenario params: %w", err)
	}
	return out, nil
}

type projection struct {
	baseline    []models.MonthlyCashPoint
	projected   []models.MonthlyCashPoint
	baseRunway  float64
	projRunway  float64
	sustainable bool
	impact      models.CashFlowImpact
	subs        models.RiskSubScores
	risk        float64
}

func (p projection) runwayChange() float64 {
	return utils.Round(p.projRunway-p.baseRunway, 2)
}

// Simulate applies a scenario to a baseline cash_runway forecast. The baseline must carry
// a cash timeline and belong to tenantID.
func (e *ScenarioEngine) Simulate(tenantID string, t models.ScenarioType, params map[string]interface{}, baseline *models.FinancialForecast, now time.Time) (*models.Scenario, error) {
	if baseline == nil {
		verr := NewValidationError("scenario")
		verr.Add("baseline", "required")
		return nil, verr
	}
	if baseline.TenantID != tenantID {
		return nil, &TenantIsolationError{CallerTenant: tenantID, Entity: "forecast", EntityID: baseline.ID}
	}
	d, err := e.parse(t, params)
	if err != nil {
		return nil, err
	}
	if len(baseline.CashTimeline) == 0 {
		return nil, &InsufficientDataError{What: "scenario", Reason: "the baseline forecast has no cash timeline; use a cash_runway forecast with a known cash balance"}
	}
	input, err := paramsMap(d)
	if err != nil {
		return nil, err
	}
	base := baseFlows{Cash: baseline.CashTimeline[0].Balance}
	if len(baseline.CashTimeline) > 1 {
		base.Inflow = baseline.CashTimeline[1].Inflow
		base.Outflow = baseline.CashTimeline[1].Outflow
	}
	if v, ok := baseline.Inputs["monthly_inflow"]; ok {
		base.Inflow = v
	}

	p := e.project(t, base, baseline, d)
	sc := &models.Scenario{
		ID:                  utils.GeneratePrefixedID("sc"),
		TenantID:            tenantID,
		Type:                t,
		InputParams:         input,
		BaselineForecastRef: baseline.ID,
		BaselineRunwayDays:  p.baseRunway,
		ProjectedRunwayDays: p.projRunway,
		RunwayChangeDays:    p.runwayChange(),
		SubScores:           p.subs,
		RiskScore:           p.risk,
		RiskLevel:           models.RiskLevelFor(p.risk),
		CashFlowImpact:      p.impact,
		SuccessProbability:  SuccessProbability(p.risk),
		CreatedAt:           now,
	}
	for m := range p.projected {
		sc.Timeline = append(sc.Timeline, models.ScenarioMonth{
			Month:            m,
			BaselineBalance:  p.baseline[m].Balance,
			ProjectedBalance: p.projected[m].Balance,
			Delta:            utils.RoundMoney(p.projected[m].Balance - p.baseline[m].Balance),
		})
	}
	sc.ProjectedForecast = e.projectedForecast(baseline, d, p, now)
	sc.TopRiskDrivers = e.drivers(t, baseline, d, p)
	sc.CriticalAssumptions = criticalAssumptions(d, baseline)
	sc.Recommendations = e.recommend(t, base, baseline, d, p)
	return sc, nil
}

func (e *ScenarioEngine) project(t models.ScenarioType, base baseFlows, baseline *models.FinancialForecast, d scenarioDelta) projection {
	h := e.horizon
	p := projection{baseline: BuildCashTimeline(base.Cash, 0, base.Outflow, h)}
	in, out := d.apply(base, h)

	p.projected = make([]models.MonthlyCashPoint, 0, h+1)
	p.projected = append(p.projected, p.baseline[0])
	p.impact.Monthly = make([]float64, h)
	bal, cum := base.Cash, 0.0
	for m := 1; m <= h; m++ {
		inflow := in[m]
		outflow := base.Outflow + out[m]
		bal += inflow - outflow
		p.projected = append(p.projected, models.MonthlyCashPoint{
			Month:   m,
			Inflow:  utils.RoundMoney(inflow),
			Outflow: utils.RoundMoney(outflow),
			Net:     utils.RoundMoney(inflow - outflow),
			Balance: utils.RoundMoney(bal),
		})
		p.impact.Monthly[m-1] = utils.RoundMoney(in[m] - out[m])
		cum += in[m] - out[m]
	}
	p.impact.Cumulative = utils.RoundMoney(cum)

	baseDays, _ := RunwayFromTimeline(p.baseline)
	projDays, sustainable := RunwayFromTimeline(p.projected)
	p.baseRunway = utils.Round(baseDays, 2)
	p.projRunway = utils.Round(projDays, 2)
	p.sustainable = sustainable
	p.subs = e.subScores(t, baseline, d, p)
	p.risk = e.RiskScore(p.subs)
	return p
}

// subScores:
//
//	runwayImpact        = 0.6*pressure + 0.4*reduction
//	                      pressure  = 100*clamp(1 - projectedRunway/safeRunway)
//	                      reduction = 100*clamp((baselineRunway - projectedRunway)/baselineRunway)
//	assumptionRisk      = 0.5*mean(sensitivity weight) + 0.5*(100 - baseline confidence)
//	marketVolatility    = min(100, 200*CV) * exposure(type), CV taken as 0.25 when unknown
//	executionComplexity = per-type base plus parameter adjustments
func (e *ScenarioEngine) subScores(t models.ScenarioType, baseline *models.FinancialForecast, d scenarioDelta, p projection) models.RiskSubScores {
	pressure := 100 * utils.Clamp(1-p.projRunway/e.safeRunway, 0, 1)
	reduction := 0.0
	if p.baseRunway > 0 {
		reduction = 100 * utils.Clamp((p.baseRunway-p.projRunway)/p.baseRunway, 0, 1)
	} else if p.projRunway <= 0 {
		reduction = 100
	}

	weights := 50.0
	if as := d.assumptions(); len(as) > 0 {
		sum := 0.0
		for _, a := range as {
			sum += a.Sensitivity.Weight()
		}
		weights = sum / float64(len(as))
	}

	volatility := 50.0
	if baseline.Statistics.SampleSize >= 3 {
		volatility = math.Min(100, 200*baseline.Statistics.CoefficientOfVariation)
	}

	return models.RiskSubScores{
		RunwayImpact:        utils.Round(0.6*pressure+0.4*reduction, 1),
		AssumptionRisk:      utils.Round(utils.ClampScore(0.5*weights+0.5*(100-baseline.ConfidenceScore)), 1),
		MarketVolatility:    utils.Round(utils.ClampScore(volatility*scenarioExposure[t]), 1),
		ExecutionComplexity: utils.Round(utils.ClampScore(d.complexity()), 1),
	}
}

func (e *ScenarioEngine) projectedForecast(baseline *models.FinancialForecast, d scenarioDelta, p projection, now time.Time) *models.FinancialForecast {
	pf := *baseline
	pf.ID = utils.GeneratePrefixedID("fc")
	pf.Type = models.ForecastCashRunway
	pf.Formula = models.FormulaCashRunway
	pf.Unit = "months"
	pf.GeneratedAt = now
	pf.CashTimeline = p.projected
	pf.Inputs = make(map[string]float64, len(baseline.Inputs)+2)
	for k, v := range baseline.Inputs {
		pf.Inputs[k] = v
	}
	if len(p.projected) > 1 {
		pf.Inputs["monthly_burn_rate"] = p.projected[1].Outflow
		pf.Inputs["scenario_inflow_change"] = p.projected[1].Inflow
	}
	pf.Assumptions = append(append([]models.Assumption(nil), d.assumptions()...), baseline.Assumptions...)
	pf.DataSources = append([]string(nil), baseline.DataSources...)
	pf.Defined = !p.sustainable
	pf.ProjectedValue = utils.Round(p.projRunway/daysPerMonth, 2)
	if p.sustainable {
		pf.ProjectedValue = 0
		pf.Assumptions = append(pf.Assumptions, models.Assumption{
			Description:  "Projected cash flow is non-negative, so runway is unbounded",
			Sensitivity:  models.SensitivityLow,
			CurrentValue: "sustainable",
		})
	}
	return &pf
}

func (e *ScenarioEngine) drivers(t models.ScenarioType, baseline *models.FinancialForecast, d scenarioDelta, p projection) []models.RiskDriver {
	high := 0
	for _, a := range d.assumptions() {
		if a.Sensitivity == models.SensitivityHigh {
			high++
		}
	}
	all := []models.RiskDriver{
		{
			Factor:      "runway_impact",
			Impact:      e.weights[0] * p.subs.RunwayImpact,
			Description: fmt.Sprintf("Runway moves from %.0f to %.0f days", p.baseRunway, p.projRunway),
			Mitigation:  runwayMitigation[t],
		},
		{
			Factor:      "assumption_risk",
			Impact:      e.weights[1] * p.subs.AssumptionRisk,
			Description: fmt.Sprintf("%d high-sensitivity assumptions; baseline confidence %.0f", high, baseline.ConfidenceScore),
			Mitigation:  "Validate the highest-sensitivity assumptions before committing",
		},
		{
			Factor:      "market_volatility",
			Impact:      e.weights[2] * p.subs.MarketVolatility,
			Description: fmt.Sprintf("Historical monthly flows vary with coefficient of variation %.2f", baseline.Statistics.CoefficientOfVariation),
			Mitigation:  "Hold a cash reserve sized to the observed volatility",
		},
		{
			Factor:      "execution_complexity",
			Impact:      e.weights[3] * p.subs.ExecutionComplexity,
			Description: fmt.Sprintf("Execution complexity scored %.0f of 100", p.subs.ExecutionComplexity),
			Mitigation:  complexityMitigation[t],
		},
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Impact > all[j].Impact })
	out := all[:3]
	for i := range out {
		out[i].Impact = utils.Round(out[i].Impact, 1)
	}
	return out
}

// criticalAssumptions lists the scenario's high and medium assumptions, then the baseline's
// high ones, most sensitive first.
func criticalAssumptions(d scenarioDelta, baseline *models.FinancialForecast) []models.Assumption {
	var out []models.Assumption
	for _, a := range d.assumptions() {
		if a.Sensitivity != models.SensitivityLow {
			out = append(out, a)
		}
	}
	for _, a := range baseline.Assumptions {
		if a.Sensitivity == models.SensitivityHigh {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		out = d.assumptions()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sensitivity.Weight() > out[j].Sensitivity.Weight() })
	return out
}

// recommend re-simulates each variant and keeps the ones that extend runway or lower risk.
// Recommendations are advisory and never applied.
func (e *ScenarioEngine) recommend(t models.ScenarioType, base baseFlows, baseline *models.FinancialForecast, d scenarioDelta, p projection) []models.Recommendation {
	variants := d.variants()
	if !p.sustainable && p.projRunway < e.safeRunway && len(p.projected) > 1 {
		burn := -p.projected[1].Net
		if burn > 0 {
			variants = append(variants, scenarioVariant{
				kind:        models.RecommendBuffer,
				title:       "Raise a buffer of three months of burn",
				explanation: "Extra cash before the change lands absorbs forecast error.",
				delta:       combinedDelta{d, cashInjection{amount: 3 * burn, month: 1}},
			})
		}
	}

	var out []models.Recommendation
	for _, v := range variants {
		vp := e.project(t, base, baseline, v.delta)
		gain := utils.Round(vp.projRunway-p.projRunway, 2)
		reduction := utils.Round(p.risk-vp.risk, 1)
		if gain <= 0 && reduction <= 0 {
			continue
		}
		out = append(out, models.Recommendation{
			Type:            v.kind,
			Title:           v.title,
			ExpectedBenefit: fmt.Sprintf("%+.0f days of runway; risk %.1f -> %.1f", gain, p.risk, vp.risk),
			RunwayGainDays:  gain,
			RiskReduction:   reduction,
			ConfidenceScore: utils.Round(utils.ClampScore(0.6*baseline.ConfidenceScore+0.4*(100-vp.risk)), 1),
			Explanation:     v.explanation,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RiskReduction != out[j].RiskReduction {
			return out[i].RiskReduction > out[j].RiskReduction
		}
		return out[i].RunwayGainDays > out[j].RunwayGainDays
	})

	level := models.RiskLevelFor(p.risk)
	if (level == models.RiskLow || level == models.RiskMedium) && p.runwayChange() >= -30 {
		proceed := models.Recommendation{
			Type:            models.RecommendProceed,
			Title:           "Proceed as planned",
			ExpectedBenefit: "Risk stays within tolerance",
			ConfidenceScore: utils.Round(utils.ClampScore(0.6*baseline.ConfidenceScore+0.4*(100-p.risk)), 1),
			Explanation:     fmt.Sprintf("Risk is %s and runway changes by %.0f days.", level, p.runwayChange()),
		}
		out = append([]models.Recommendation{proceed}, out...)
	}
	if len(out) > e.maxRecs {
		out = out[:e.maxRecs]
	}
	return out
}
