package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/pkg/utils"

	"github.com/sirupsen/logrus"
)

// PlanProvider is the external plan/tenant service.
type PlanProvider interface {
	GetPlanLimits(ctx context.Context, tenantID string) (models.PlanLimits, error)
	GetUsage(ctx context.Context, tenantID string) (models.UsageCounters, error)
}

// UsageCounter counts persisted usage; store.Store satisfies it.
type UsageCounter interface {
	CountRules(ctx context.Context, tenantID string) (int, error)
	CountExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	CountScenariosSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	CountForecastsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// StaticPlanProvider serves plan limits from configuration. Usage is left to the store counts.
type StaticPlanProvider struct {
	mu          sync.RWMutex
	tiers       map[string]models.PlanLimits
	defaultTier string
	tenantTiers map[string]string
}

func NewStaticPlanProvider(cfg config.PlansConfig) *StaticPlanProvider {
	tiers := make(map[string]models.PlanLimits, len(cfg.Tiers))
	for name, l := range cfg.Tiers {
		if l.Tier == "" {
			l.Tier = name
		}
		tiers[name] = l
	}
	return &StaticPlanProvider{tiers: tiers, defaultTier: cfg.DefaultTier, tenantTiers: make(map[string]string)}
}

// AssignTier pins a tenant to a tier.
func (p *StaticPlanProvider) AssignTier(tenantID, tier string) {
	p.mu.Lock()
	p.tenantTiers[tenantID] = tier
	p.mu.Unlock()
}

func (p *StaticPlanProvider) GetPlanLimits(_ context.Context, tenantID string) (models.PlanLimits, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tier := p.defaultTier
	if t, ok := p.tenantTiers[tenantID]; ok {
		tier = t
	}
	limits, ok := p.tiers[tier]
	if !ok {
		return models.PlanLimits{}, fmt.Errorf("unknown plan tier %q", tier)
	}
	return limits, nil
}

func (p *StaticPlanProvider) GetUsage(_ context.Context, _ string) (models.UsageCounters, error) {
	return models.UsageCounters{}, nil
}

// PlanResource names what a plan check is guarding.
type PlanResource string

const (
	ResourceRules      PlanResource = "rules"
	ResourceExecutions PlanResource = "executions"
	ResourceScenarios  PlanResource = "scenarios"
	ResourceForecasts  PlanResource = "forecasts"
)

// PlanGuard enforces plan limits before creation or execution. It fails closed: when the
// plan service cannot answer, the operation is denied.
type PlanGuard struct {
	provider PlanProvider
	counter  UsageCounter
	clock    Clock
	auditor  *Auditor
	metrics  *metrics.Collectors
	logger   *logrus.Logger
}

func NewPlanGuard(provider PlanProvider, counter UsageCounter, clock Clock, auditor *Auditor, m *metrics.Collectors, logger *logrus.Logger) *PlanGuard {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &PlanGuard{provider: provider, counter: counter, clock: clock, auditor: auditor, metrics: m, logger: logger}
}

// Limits returns the tenant's plan limits.
func (g *PlanGuard) Limits(ctx context.Context, tenantID string) (models.PlanLimits, error) {
	if g.provider == nil {
		return models.PlanLimits{}, fmt.Errorf("no plan provider configured")
	}
	return g.provider.GetPlanLimits(ctx, tenantID)
}

// Check returns a *PlanLimitExceededError when tc may not create or run one more resource.
// Usage is the maximum of what the caller reports, what the plan service reports and
// what the store has persisted this month.
func (g *PlanGuard) Check(ctx context.Context, tc models.TenantContext, res PlanResource) error {
	return g.check(ctx, tc, res, true)
}

// Peek is Check without logging, metrics or audit. Dry runs use it.
func (g *PlanGuard) Peek(ctx context.Context, tc models.TenantContext, res PlanResource) error {
	return g.check(ctx, tc, res, false)
}

func (g *PlanGuard) check(ctx context.Context, tc models.TenantContext, res PlanResource, record bool) error {
	limits, err := g.Limits(ctx, tc.TenantID)
	if err != nil {
		return g.deny(ctx, record, tc, res, models.PlanLimits{Tier: tc.PlanTier}, 0, true, err)
	}
	remote, err := g.provider.GetUsage(ctx, tc.TenantID)
	if err != nil {
		return g.deny(ctx, record, tc, res, limits, 0, true, err)
	}
	stored, err := g.storedUsage(ctx, tc.TenantID, res)
	if err != nil {
		return g.deny(ctx, record, tc, res, limits, 0, true, err)
	}

	var current, max int
	switch res {
	case ResourceRules:
		current, max = maxInt(tc.Usage.Rules, remote.Rules, stored), limits.MaxRules
	case ResourceExecutions:
		current, max = maxInt(tc.Usage.ExecutionsThisMonth, remote.ExecutionsThisMonth, stored), limits.MaxExecutionsPerMonth
	case ResourceScenarios:
		current, max = maxInt(tc.Usage.ScenariosThisMonth, remote.ScenariosThisMonth, stored), limits.MaxScenariosPerMonth
	case ResourceForecasts:
		current, max = maxInt(tc.Usage.ForecastsThisMonth, remote.ForecastsThisMonth, stored), limits.MaxForecastsPerMonth
	default:
		return fmt.Errorf("unknown plan resource %q", res)
	}

	if (res == ResourceRules || res == ResourceExecutions) && !limits.AutomationEnabled {
		return g.deny(ctx, record, tc, res, limits, current, false, nil)
	}
	// 0 表示不限
	if max > 0 && current >= max {
		return g.deny(ctx, record, tc, res, limits, current, false, nil)
	}
	return nil
}

func (g *PlanGuard) storedUsage(ctx context.Context, tenantID string, res PlanResource) (int, error) {
	if g.counter == nil {
		return 0, nil
	}
	since := utils.MonthStart(g.clock.Now())
	switch res {
	case ResourceRules:
		return g.counter.CountRules(ctx, tenantID)
	case ResourceExecutions:
		return g.counter.CountExecutionsSince(ctx, tenantID, since)
	case ResourceScenarios:
		return g.counter.CountScenariosSince(ctx, tenantID, since)
	case ResourceForecasts:
		return g.counter.CountForecastsSince(ctx, tenantID, since)
	}
	return 0, nil
}

func limitFor(res PlanResource, l models.PlanLimits) int {
	switch res {
	case ResourceRules:
		return l.MaxRules
	case ResourceExecutions:
		return l.MaxExecutionsPerMonth
	case ResourceScenarios:
		return l.MaxScenariosPerMonth
	case ResourceForecasts:
		return l.MaxForecastsPerMonth
	}
	return 0
}

func (g *PlanGuard) deny(ctx context.Context, record bool, tc models.TenantContext, res PlanResource, limits models.PlanLimits, current int, unavailable bool, cause error) error {
	tier := limits.Tier
	if tier == "" {
		tier = tc.PlanTier
	}
	max := limitFor(res, limits)
	var msg string
	switch {
	case unavailable:
		msg = "We could not verify your plan right now, so this action was not performed. Please try again shortly."
	case (res == ResourceRules || res == ResourceExecutions) && !limits.AutomationEnabled:
		msg = fmt.Sprintf("Automations are not included in the %s plan. Upgrade to enable them.", tier)
	case res == ResourceRules:
		msg = fmt.Sprintf("Your %s plan allows %d automation rules and you have %d. Upgrade to add more.", tier, max, current)
	default:
		msg = fmt.Sprintf("Your %s plan allows %d %s per month and you have used %d. Upgrade to continue.", tier, max, res, current)
	}

	perr := &PlanLimitExceededError{
		TenantID:    tc.TenantID,
		Tier:        tier,
		Resource:    string(res),
		Current:     current,
		Max:         max,
		Unavailable: unavailable,
		UpgradePrompt: UpgradePrompt{
			Message:     msg,
			CurrentTier: tier,
			UpgradeURL:  limits.UpgradeURL,
			Limit:       max,
			Used:        current,
		},
	}

	if !record {
		return perr
	}
	entry := g.logger.WithFields(logrus.Fields{"tenant_id": tc.TenantID, "resource": res, "tier": tier})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("plan limit denial")
	g.metrics.ObservePlanDenial(string(res))
	g.auditor.Record(ctx, models.AuditEvent{
		TenantID: tc.TenantID,
		Type:     models.AuditPlanLimitDenied,
		Message:  msg,
		Data: map[string]interface{}{
			"resource":    string(res),
			"current":     current,
			"max":         max,
			"unavailable": unavailable,
		},
	})
	return perr
}

func maxInt(vals ...int) int {
	m := 0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
