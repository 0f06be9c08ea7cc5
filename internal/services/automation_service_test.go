package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createRule(t *testing.T, h *automationHarness, rule *models.AutomationRule) *models.AutomationRule {
	t.Helper()
	r, err := h.svc.CreateRule(context.Background(), tenantCtx(rule.TenantID), rule)
	require.NoError(t, err)
	return r
}

func TestAutomationService_CreateRule(t *testing.T) {
	h := newAutomationHarness(t)
	ctx := context.Background()

	r := createRule(t, h, overdueRule("t1"))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, models.RuleStatusEnabled, r.Status)
	assert.Equal(t, testNow, r.CreatedAt)
	assert.Equal(t, 1, h.events.count(models.AuditRuleCreated))

	got, err := h.svc.GetRule(ctx, tenantCtx("t1"), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Name, got.Name)

	// other tenants cannot see it
	_, err = h.svc.GetRule(ctx, tenantCtx("t2"), r.ID)
	assert.True(t, IsNotFound(err))
}

func TestAutomationService_CreateRuleValidation(t *testing.T) {
	h := newAutomationHarness(t)
	ctx := context.Background()

	bad := overdueRule("t1")
	bad.Actions = nil
	bad.Conditions = models.Atom("event.amount", models.Operator("roughly"), 5)
	_, err := h.svc.CreateRule(ctx, tenantCtx("t1"), bad)
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "actions")
	assert.Contains(t, verr.Fields, "conditions.op")

	paused := overdueRule("t1")
	paused.Status = models.RuleStatusAutoPaused
	_, err = h.svc.CreateRule(ctx, tenantCtx("t1"), paused)
	assert.True(t, IsValidationError(err))

	foreign := overdueRule("t2")
	_, err = h.svc.CreateRule(ctx, tenantCtx("t1"), foreign)
	assert.True(t, IsTenantIsolationViolation(err))

	n, _ := h.store.CountRules(ctx, "t1")
	assert.Zero(t, n)
}

func TestAutomationService_PlanRejectsEleventhRule(t *testing.T) {
	h := newAutomationHarness(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		createRule(t, h, overdueRule("t1"))
	}
	_, err := h.svc.CreateRule(ctx, tenantCtx("t1"), overdueRule("t1"))
	require.Error(t, err)
	var perr *PlanLimitExceededError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "rules", perr.Resource)
	assert.Equal(t, 10, perr.UpgradePrompt.Limit)
	assert.Equal(t, 10, perr.UpgradePrompt.Used)
	assert.Contains(t, perr.Explain(), "Upgrade")

	n, err := h.store.CountRules(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 10, n, "the denied rule must not be persisted")
	assert.Equal(t, 1, h.events.count(models.AuditPlanLimitDenied))
}

func TestAutomationService_PlanWithoutAutomation(t *testing.T) {
	h := newAutomationHarness(t)
	h.plans.AssignTier("t-free", "free")

	_, err := h.svc.CreateRule(context.Background(), models.TenantContext{TenantID: "t-free", PlanTier: "free"}, overdueRule("t-free"))
	require.True(t, IsPlanLimitExceeded(err))
	assert.Contains(t, Explain(err), "not included")
}

func TestAutomationService_UpdateAndStatus(t *testing.T) {
	h := newAutomationHarness(t)
	ctx := context.Background()
	tc := tenantCtx("t1")
	r := createRule(t, h, overdueRule("t1"))

	r.Name = "renamed"
	updated, err := h.svc.UpdateRule(ctx, tc, r)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, r.CreatedAt, updated.CreatedAt)

	disabled, err := h.svc.SetRuleStatus(ctx, tc, r.ID, models.RuleStatusDisabled, "holiday freeze")
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusDisabled, disabled.Status)
	assert.Equal(t, "holiday freeze", disabled.PausedReason)

	handles, err := h.svc.HandleTrigger(ctx, tc, overdueTrigger("tr1", 900))
	require.NoError(t, err)
	assert.Empty(t, handles, "disabled rules are not dispatched")

	_, err = h.svc.SetRuleStatus(ctx, tc, r.ID, models.RuleStatusAutoPaused, "")
	assert.True(t, IsValidationError(err))

	ev, ok := h.events.last(models.AuditRuleStatusChanged)
	require.True(t, ok)
	assert.Equal(t, "enabled", ev.FromStatus)
	assert.Equal(t, "disabled", ev.ToStatus)

	require.NoError(t, h.svc.DeleteRule(ctx, tc, r.ID))
	_, err = h.svc.GetRule(ctx, tc, r.ID)
	assert.True(t, IsNotFound(err))
}

func TestAutomationService_HandleTriggerRunsActions(t *testing.T) {
	h := newAutomationHarness(t)
	reminders, tags := &countingSink{}, &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	require.NoError(t, h.registry.Register(models.ActionAddTag, tags))
	createRule(t, h, overdueRule("t1"))

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger("tr1", 900))
	require.NoError(t, err)
	require.Len(t, handles, 1)

	exec := waitDone(t, handles[0])
	assert.Equal(t, models.ExecutionSucceeded, exec.Status)
	assert.Equal(t, 1, exec.AttemptCount)
	require.Len(t, exec.ActionResults, 2)
	for _, r := range exec.ActionResults {
		assert.Equal(t, models.ActionStatusSucceeded, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.NotEmpty(t, exec.ConditionTrace)
	assert.Equal(t, 1, reminders.Calls())
	assert.Equal(t, 1, tags.Calls())

	// the reminder saw its rendered invoice id
	params := exec.ActionResults[0].Output["params"].(map[string]interface{})
	assert.Equal(t, "inv-tr1", params["invoice_id"])

	stored, err := h.svc.GetExecution(context.Background(), tenantCtx("t1"), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1, h.events.count(models.AuditRuleMatched))
	assert.Equal(t, 2, h.events.count(models.AuditActionAttempt))
}

func TestAutomationService_NonMatchingTrigger(t *testing.T) {
	h := newAutomationHarness(t)
	createRule(t, h, overdueRule("t1"))

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger("small", 100))
	require.NoError(t, err)
	assert.Empty(t, handles)
	assert.Equal(t, 1, h.events.count(models.AuditRuleNotMatched))

	execs, err := h.svc.ListExecutions(context.Background(), tenantCtx("t1"), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestAutomationService_ExecuteAutomationSkipsOnMismatch(t *testing.T) {
	h := newAutomationHarness(t)
	r := createRule(t, h, overdueRule("t1"))

	facts := Facts{"event": map[string]interface{}{"currency": "USD"}}
	handle, err := h.svc.ExecuteAutomation(context.Background(), tenantCtx("t1"), r, overdueTrigger("tr1", 0), facts)
	require.NoError(t, err)
	exec := waitDone(t, handle)
	assert.Equal(t, models.ExecutionSkipped, exec.Status)
	assert.Contains(t, exec.Explanation, "did not match")
	assert.Contains(t, exec.Explanation, "event.amount")
}

func TestAutomationService_TenantFactsFromSnapshot(t *testing.T) {
	h := newAutomationHarness(t)
	require.NoError(t, h.registry.Register(models.ActionSendNotification, &countingSink{}))
	h.history.Put(steadyHistory("t1", 20000, 15000, 0))

	rule := &models.AutomationRule{
		TenantID:    "t1",
		Name:        "low cash alert",
		TriggerType: models.TriggerScheduleDaily,
		Conditions:  models.Atom("tenant.cash_balance", models.OpLt, 50000),
		Actions: []models.ActionSpec{
			{Type: models.ActionSendNotification, Params: map[string]interface{}{"message": "cash is {{tenant.cash_balance}}"}},
		},
	}
	createRule(t, h, rule)

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), models.Trigger{Type: models.TriggerScheduleDaily})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	exec := waitDone(t, handles[0])
	assert.Equal(t, models.ExecutionSucceeded, exec.Status)
	trigger := exec.ContextSnapshot["trigger"].(map[string]interface{})
	assert.Equal(t, "scheduled", trigger["category"])
}

func TestAutomationService_RetryScheduleWithFakeClock(t *testing.T) {
	h := newAutomationHarness(t)
	flaky := &flakySink{failures: 2, err: errors.New("smtp unavailable")}
	tags := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, flaky))
	require.NoError(t, h.registry.Register(models.ActionAddTag, tags))
	createRule(t, h, overdueRule("t1"))

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger("tr1", 900))
	require.NoError(t, err)
	require.Len(t, handles, 1)
	handle := handles[0]

	waitPendingRetries(t, h.svc, 1)
	exec := handle.Execution()
	assert.Equal(t, models.ExecutionRetrying, exec.Status)
	require.NotNil(t, exec.NextRetryAt)
	assert.Equal(t, testNow.Add(5*time.Minute), *exec.NextRetryAt)

	// nothing is due before the backoff elapses
	assert.Zero(t, h.svc.RunDueRetries())
	h.clock.Advance(4 * time.Minute)
	assert.Zero(t, h.svc.RunDueRetries())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.svc.RunDueRetries())
	waitPendingRetries(t, h.svc, 1)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), *handle.Execution().NextRetryAt)

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, h.svc.RunDueRetries())

	exec = waitDone(t, handle)
	assert.Equal(t, models.ExecutionSucceeded, exec.Status)
	assert.Equal(t, 3, exec.AttemptCount)
	assert.Equal(t, 3, exec.ActionResults[0].Attempts)
	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute}, exec.ActionResults[0].Delays)
	assert.Equal(t, 1, exec.ActionResults[1].Attempts)
	assert.Equal(t, 1, tags.Calls(), "later actions run once after the retried one succeeds")
	assert.Equal(t, 3, flaky.Calls())
}

func TestAutomationService_RetryBudgetExhausted(t *testing.T) {
	h := newAutomationHarness(t)
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, &flakySink{failures: -1, err: errors.New("503")}))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	r := createRule(t, h, overdueRule("t1"))

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger("tr1", 900))
	require.NoError(t, err)
	handle := handles[0]

	for _, d := range []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute} {
		waitPendingRetries(t, h.svc, 1)
		h.clock.Advance(d)
		require.Equal(t, 1, h.svc.RunDueRetries())
	}

	exec := waitDone(t, handle)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Equal(t, 4, exec.ActionResults[0].Attempts)
	assert.Equal(t, models.ActionStatusFailed, exec.ActionResults[0].Status)
	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute}, exec.ActionResults[0].Delays)
	assert.Equal(t, models.ActionStatusSkipped, exec.ActionResults[1].Status)
	assert.Contains(t, exec.Explanation, "retry budget exhausted")
	assert.Zero(t, h.svc.PendingRetries())

	stored, err := h.svc.GetRule(context.Background(), tenantCtx("t1"), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.Equal(t, models.RuleStatusEnabled, stored.Status)
}

func TestAutomationService_PermanentErrorFailsImmediately(t *testing.T) {
	h := newAutomationHarness(t)
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, &flakySink{failures: -1, err: Permanent(errors.New("invalid recipient"))}))
	createRule(t, h, overdueRule("t1"))

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger("tr1", 900))
	require.NoError(t, err)
	exec := waitDone(t, handles[0])

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Equal(t, 1, exec.ActionResults[0].Attempts)
	assert.Contains(t, exec.Explanation, "permanent error")
	assert.Contains(t, exec.Explanation, "invalid recipient")
	assert.Zero(t, h.svc.PendingRetries())
}

func TestAutomationService_AutoPauseAfterConsecutiveFailures(t *testing.T) {
	h := newAutomationHarness(t)
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, &flakySink{failures: -1, err: Permanent(errors.New("mailbox closed"))}))
	r := createRule(t, h, overdueRule("t1"))
	ctx := context.Background()
	tc := tenantCtx("t1")

	for _, id := range []string{"a", "b", "c"} {
		handles, err := h.svc.HandleTrigger(ctx, tc, overdueTrigger(id, 900))
		require.NoError(t, err)
		require.Len(t, handles, 1)
		waitDone(t, handles[0])
	}

	paused, err := h.svc.GetRule(ctx, tc, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusAutoPaused, paused.Status)
	assert.Equal(t, 3, paused.ConsecutiveFailures)
	assert.Contains(t, paused.PausedReason, "3 consecutive failed executions")
	assert.Equal(t, 1, h.events.count(models.AuditRuleAutoPaused))

	handles, err := h.svc.HandleTrigger(ctx, tc, overdueTrigger("d", 900))
	require.NoError(t, err)
	assert.Empty(t, handles, "auto-paused rules are not dispatched")

	resumed, err := h.svc.SetRuleStatus(ctx, tc, r.ID, models.RuleStatusEnabled, "")
	require.NoError(t, err)
	assert.Zero(t, resumed.ConsecutiveFailures)
	assert.Empty(t, resumed.PausedReason)
}

func TestAutomationService_SuccessResetsFailureStreak(t *testing.T) {
	h := newAutomationHarness(t)
	sink := &flakySink{failures: 2, err: Permanent(errors.New("bad gateway config"))}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, sink))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	r := createRule(t, h, overdueRule("t1"))
	ctx := context.Background()
	tc := tenantCtx("t1")

	for _, id := range []string{"a", "b"} {
		handles, err := h.svc.HandleTrigger(ctx, tc, overdueTrigger(id, 900))
		require.NoError(t, err)
		waitDone(t, handles[0])
	}
	got, _ := h.svc.GetRule(ctx, tc, r.ID)
	assert.Equal(t, 2, got.ConsecutiveFailures)

	handles, err := h.svc.HandleTrigger(ctx, tc, overdueTrigger("c", 900))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, waitDone(t, handles[0]).Status)

	got, _ = h.svc.GetRule(ctx, tc, r.ID)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Equal(t, models.RuleStatusEnabled, got.Status)
}

func TestAutomationService_CancelWhileWaitingForRetry(t *testing.T) {
	h := newAutomationHarness(t)
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, &flakySink{failures: -1, err: errors.New("timeout upstream")}))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger("tr1", 900))
	require.NoError(t, err)
	handle := handles[0]
	waitPendingRetries(t, h.svc, 1)

	handle.Cancel()
	exec := waitDone(t, handle)
	assert.Equal(t, models.ExecutionCancelled, exec.Status)
	assert.Equal(t, models.ActionStatusSkipped, exec.ActionResults[0].Status)
	assert.Equal(t, models.ActionStatusSkipped, exec.ActionResults[1].Status)
	assert.Zero(t, h.svc.PendingRetries())

	ev, ok := h.events.last(models.AuditExecutionTransition)
	require.True(t, ok)
	assert.Equal(t, "cancelled", ev.ToStatus)

	// cancelling twice is harmless
	handle.Cancel()
	assert.Equal(t, models.ExecutionCancelled, handle.Status())
}

func TestAutomationService_IdempotentReplay(t *testing.T) {
	h := newAutomationHarness(t)
	reminders := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))
	ctx := context.Background()
	tc := tenantCtx("t1")

	trigger := overdueTrigger("tr1", 900)
	trigger.IdempotencyKey = "invoice-42-overdue"

	first, err := h.svc.HandleTrigger(ctx, tc, trigger)
	require.NoError(t, err)
	require.Len(t, first, 1)
	original := waitDone(t, first[0])

	replay := trigger
	replay.ID = "tr1-redelivered"
	second, err := h.svc.HandleTrigger(ctx, tc, replay)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, original.ID, second[0].ID())
	assert.Equal(t, models.ExecutionSucceeded, waitDone(t, second[0]).Status)
	assert.Equal(t, 1, reminders.Calls(), "a replayed key must not repeat the side effect")

	changed := trigger
	changed.Payload = map[string]interface{}{"invoice_id": "inv-tr1", "amount": 950.0, "currency": "USD"}
	_, err = h.svc.HandleTrigger(ctx, tc, changed)
	require.Error(t, err)
	var conflict *IdempotencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, original.ID, conflict.Original.ID)
	assert.Equal(t, models.ExecutionSucceeded, conflict.Original.Status)
	assert.Equal(t, 1, h.events.count(models.AuditIdempotencyConflict))

	execs, err := h.svc.ListExecutions(ctx, tc, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestAutomationService_DerivedKeysAreDistinctPerTrigger(t *testing.T) {
	h := newAutomationHarness(t)
	reminders := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))

	for _, id := range []string{"x", "y"} {
		handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger(id, 900))
		require.NoError(t, err)
		waitDone(t, handles[0])
	}
	assert.Equal(t, 2, reminders.Calls())
	reminders.mu.Lock()
	defer reminders.mu.Unlock()
	assert.NotEqual(t, reminders.keys[0], reminders.keys[1])
	assert.Contains(t, reminders.keys[0], ":0")
}

func TestAutomationService_ExecutionPlanLimit(t *testing.T) {
	h := newAutomationHarness(t)
	h.plans.AssignTier("t1", "tiny")
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, &countingSink{}))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))
	ctx := context.Background()
	tc := tenantCtx("t1")

	handles, err := h.svc.HandleTrigger(ctx, tc, overdueTrigger("a", 900))
	require.NoError(t, err)
	waitDone(t, handles[0])

	handles, err = h.svc.HandleTrigger(ctx, tc, overdueTrigger("b", 900))
	require.Error(t, err)
	assert.True(t, IsPlanLimitExceeded(err))
	require.Len(t, handles, 1)
	denied := waitDone(t, handles[0])
	assert.Equal(t, models.ExecutionSkipped, denied.Status)
	assert.Contains(t, denied.Explanation, "per month")
}

func TestAutomationService_PreviewHasNoSideEffects(t *testing.T) {
	h := newAutomationHarness(t)
	reminders := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	ctx := context.Background()
	tc := tenantCtx("t1")

	res, err := h.svc.PreviewAutomation(ctx, tc, overdueRule("t1"), overdueTrigger("p1", 900))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Match)
	assert.True(t, res.Match.Matched)
	require.Len(t, res.IntendedActions, 2)
	assert.Equal(t, "inv-p1", res.IntendedActions[0].Params["invoice_id"])
	assert.True(t, res.IntendedActions[0].Registered)
	assert.False(t, res.IntendedActions[1].Registered)
	assert.NotEmpty(t, res.IntendedActions[1].Problem)

	assert.Zero(t, reminders.Calls())
	execs, err := h.svc.ListExecutions(ctx, tc, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)

	miss, err := h.svc.PreviewAutomation(ctx, tc, overdueRule("t1"), overdueTrigger("p2", 10))
	require.NoError(t, err)
	assert.False(t, miss.Match.Matched)
	assert.Empty(t, miss.IntendedActions)
}

func TestAutomationService_PreviewReportsPlanDenialWithoutAudit(t *testing.T) {
	h := newAutomationHarness(t)
	h.plans.AssignTier("t-free", "free")

	res, err := h.svc.PreviewAutomation(context.Background(), models.TenantContext{TenantID: "t-free", PlanTier: "free"}, overdueRule("t-free"), overdueTrigger("p1", 900))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Denial, "not included")
	assert.Empty(t, res.IntendedActions)
	assert.Zero(t, h.events.count(models.AuditPlanLimitDenied))
}

// leakyStore returns another tenant's rule regardless of the tenant asked for.
type leakyStore struct {
	*store.MemoryStore
	foreign *models.AutomationRule
}

func (s *leakyStore) GetRule(_ context.Context, _, _ string) (*models.AutomationRule, error) {
	return s.foreign.Clone(), nil
}

func TestAutomationService_TenantIsolationViolation(t *testing.T) {
	ms := store.NewMemoryStore()
	foreign := overdueRule("t2")
	foreign.ID = "rule_foreign"
	h := buildHarness(t, ms, &leakyStore{MemoryStore: ms, foreign: foreign})

	_, err := h.svc.GetRule(context.Background(), tenantCtx("t1"), "rule_foreign")
	require.Error(t, err)
	assert.True(t, IsTenantIsolationViolation(err))
	assert.Equal(t, "The requested resource does not exist.", Explain(err))
	assert.Equal(t, 1, h.events.count(models.AuditSecurityViolation))
}

func TestAutomationService_StoppedPoolFailsExecution(t *testing.T) {
	h := newAutomationHarness(t)
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, &countingSink{}))
	createRule(t, h, overdueRule("t1"))
	h.svc.Stop()

	handles, err := h.svc.HandleTrigger(context.Background(), tenantCtx("t1"), overdueTrigger("late", 900))
	require.NoError(t, err)
	exec := waitDone(t, handles[0])
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Explanation, "stopped")
}

func TestAutomationService_SharedKeyAcrossTenants(t *testing.T) {
	h := newAutomationHarness(t)
	reminders := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))
	createRule(t, h, overdueRule("t2"))
	ctx := context.Background()

	first := overdueTrigger("a", 900)
	first.IdempotencyKey = "k1"
	second := overdueTrigger("b", 900)
	second.IdempotencyKey = "k1"

	h1, err := h.svc.HandleTrigger(ctx, tenantCtx("t1"), first)
	require.NoError(t, err)
	require.Len(t, h1, 1)
	e1 := waitDone(t, h1[0])

	h2, err := h.svc.HandleTrigger(ctx, tenantCtx("t2"), second)
	require.NoError(t, err)
	require.Len(t, h2, 1)
	e2 := waitDone(t, h2[0])

	assert.NotEqual(t, e1.ID, e2.ID)
	assert.NotEqual(t, e1.IdempotencyKey, e2.IdempotencyKey)
	assert.Equal(t, models.ExecutionSucceeded, e2.Status)
	assert.Equal(t, 2, reminders.Calls())

	params1 := e1.ActionResults[0].Output["params"].(map[string]interface{})
	params2 := e2.ActionResults[0].Output["params"].(map[string]interface{})
	assert.Equal(t, "inv-a", params1["invoice_id"])
	assert.Equal(t, "inv-b", params2["invoice_id"])
}

func TestAutomationService_KeyedTriggerFansOutToEveryRule(t *testing.T) {
	h := newAutomationHarness(t)
	reminders := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))
	second := overdueRule("t1")
	second.Name = "escalate large overdue invoices"
	createRule(t, h, second)
	ctx := context.Background()
	tc := tenantCtx("t1")

	trg := overdueTrigger("a", 900)
	trg.IdempotencyKey = "delivery-1"
	handles, err := h.svc.HandleTrigger(ctx, tc, trg)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	ids := map[string]bool{}
	for _, hd := range handles {
		exec := waitDone(t, hd)
		assert.Equal(t, models.ExecutionSucceeded, exec.Status)
		ids[exec.ID] = true
	}
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, reminders.Calls())
	assert.Equal(t, 0, h.events.count(models.AuditIdempotencyConflict))

	replayed, err := h.svc.HandleTrigger(ctx, tc, trg)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	for _, hd := range replayed {
		assert.True(t, ids[waitDone(t, hd).ID])
	}
	assert.Equal(t, 2, reminders.Calls())
}

func TestAutomationService_ConcurrentSameKey(t *testing.T) {
	h := newAutomationHarness(t)
	reminders := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))
	ctx := context.Background()
	tc := tenantCtx("t1")

	trg := overdueTrigger("a", 900)
	trg.IdempotencyKey = "delivery-1"

	const callers = 8
	results := make([][]*ExecutionHandle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.HandleTrigger(ctx, tc, trg)
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
		ids[waitDone(t, results[i][0]).ID] = true
	}
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, reminders.Calls())

	execs, err := h.svc.ListExecutions(ctx, tc, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestAutomationService_ConcurrentExecutionsRespectQuota(t *testing.T) {
	h := newAutomationHarness(t)
	h.plans.AssignTier("t1", "tiny")
	reminders := &countingSink{}
	require.NoError(t, h.registry.Register(models.ActionSendPaymentReminder, reminders))
	require.NoError(t, h.registry.Register(models.ActionAddTag, &countingSink{}))
	createRule(t, h, overdueRule("t1"))
	ctx := context.Background()
	tc := tenantCtx("t1")

	const callers = 8
	var mu sync.Mutex
	var handles []*ExecutionHandle
	denied := 0
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hs, err := h.svc.HandleTrigger(ctx, tc, overdueTrigger(fmt.Sprintf("t-%d", i), 900))
			mu.Lock()
			defer mu.Unlock()
			handles = append(handles, hs...)
			if IsPlanLimitExceeded(err) {
				denied++
			}
		}(i)
	}
	wg.Wait()

	ran := 0
	for _, hd := range handles {
		if waitDone(t, hd).Status != models.ExecutionSkipped {
			ran++
		}
	}
	assert.Equal(t, 1, ran)
	assert.Equal(t, callers-1, denied)
	assert.Equal(t, 1, reminders.Calls())
}
