package services

import (
	"context"
	"errors"
	"testing"

	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPlans struct{ err error }

func (f failingPlans) GetPlanLimits(context.Context, string) (models.PlanLimits, error) {
	return models.PlanLimits{}, f.err
}

func (f failingPlans) GetUsage(context.Context, string) (models.UsageCounters, error) {
	return models.UsageCounters{}, f.err
}

type remoteUsage struct {
	*StaticPlanProvider
	usage models.UsageCounters
}

func (r remoteUsage) GetUsage(context.Context, string) (models.UsageCounters, error) {
	return r.usage, nil
}

func TestPlanGuard_FailsClosed(t *testing.T) {
	events := &eventRecorder{}
	clock := NewFakeClock(testNow)
	guard := NewPlanGuard(failingPlans{err: errors.New("plan service down")}, nil, clock, NewAuditor(clock, nil, events), nil, quietLogger())

	err := guard.Check(context.Background(), tenantCtx("t1"), ResourceForecasts)
	var perr *PlanLimitExceededError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Unavailable)
	assert.Contains(t, Explain(err), "could not verify your plan")
	assert.Equal(t, 1, events.count(models.AuditPlanLimitDenied))
}

func TestPlanGuard_UsageTakesTheMaximum(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(testNow)
	ms := store.NewMemoryStore()
	plans := NewStaticPlanProvider(testPlans())
	provider := remoteUsage{StaticPlanProvider: plans, usage: models.UsageCounters{ScenariosThisMonth: 50}}
	guard := NewPlanGuard(provider, ms, clock, nil, nil, quietLogger())

	err := guard.Check(ctx, tenantCtx("t1"), ResourceScenarios)
	var perr *PlanLimitExceededError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 50, perr.Current)
	assert.Equal(t, 50, perr.Max)
	assert.Equal(t, "Your pro plan allows 50 scenarios per month and you have used 50. Upgrade to continue.", perr.Explain())

	tc := tenantCtx("t1")
	tc.Usage.ForecastsThisMonth = 100
	assert.True(t, IsPlanLimitExceeded(guard.Check(ctx, tc, ResourceForecasts)), "caller-reported usage counts too")
	assert.NoError(t, guard.Check(ctx, tenantCtx("t1"), ResourceForecasts))
}

func TestPlanGuard_AutomationDisabled(t *testing.T) {
	plans := NewStaticPlanProvider(testPlans())
	plans.AssignTier("t1", "free")
	guard := NewPlanGuard(plans, store.NewMemoryStore(), NewFakeClock(testNow), nil, nil, quietLogger())

	err := guard.Check(context.Background(), tenantCtx("t1"), ResourceExecutions)
	var perr *PlanLimitExceededError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "free", perr.Tier)
	assert.Equal(t, "https://example.com/upgrade", perr.UpgradePrompt.UpgradeURL)
	assert.Contains(t, perr.Explain(), "Automations are not included in the free plan")

	assert.NoError(t, guard.Check(context.Background(), tenantCtx("t1"), ResourceForecasts))
}

func TestPlanGuard_PeekRecordsNothing(t *testing.T) {
	events := &eventRecorder{}
	clock := NewFakeClock(testNow)
	plans := NewStaticPlanProvider(testPlans())
	plans.AssignTier("t1", "free")
	guard := NewPlanGuard(plans, nil, clock, NewAuditor(clock, nil, events), nil, quietLogger())

	assert.True(t, IsPlanLimitExceeded(guard.Peek(context.Background(), tenantCtx("t1"), ResourceRules)))
	assert.Zero(t, events.count(models.AuditPlanLimitDenied))
}

func TestStaticPlanProvider_UnknownTier(t *testing.T) {
	plans := NewStaticPlanProvider(testPlans())
	plans.AssignTier("t1", "platinum")
	_, err := plans.GetPlanLimits(context.Background(), "t1")
	assert.Error(t, err)

	l, err := plans.GetPlanLimits(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "pro", l.Tier)
}
