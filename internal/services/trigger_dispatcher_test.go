package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshotFunc func(ctx context.Context, tenantID string) (map[string]interface{}, error)

func (f snapshotFunc) TenantSnapshot(ctx context.Context, tenantID string) (map[string]interface{}, error) {
	return f(ctx, tenantID)
}

func seedRule(t *testing.T, ms *store.MemoryStore, id string, mutate func(r *models.AutomationRule)) *models.AutomationRule {
	t.Helper()
	r := overdueRule("t1")
	r.ID, r.Version, r.Status = id, 1, models.RuleStatusEnabled
	r.CreatedAt = testNow.Add(time.Duration(len(id)) * time.Second)
	if mutate != nil {
		mutate(r)
	}
	require.NoError(t, ms.CreateRule(context.Background(), r))
	return r
}

func TestTriggerDispatcher_SelectsEnabledRulesOfType(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRule(t, ms, "r1", nil)
	seedRule(t, ms, "r2", func(r *models.AutomationRule) { r.Status = models.RuleStatusDisabled })
	seedRule(t, ms, "r3", func(r *models.AutomationRule) { r.Status = models.RuleStatusAutoPaused })
	seedRule(t, ms, "r4", func(r *models.AutomationRule) { r.TriggerType = models.TriggerInvoicePaid })
	seedRule(t, ms, "r55", func(r *models.AutomationRule) {
		r.TriggerConfig = map[string]interface{}{"payload_match": map[string]interface{}{"currency": "EUR"}}
	})
	seedRule(t, ms, "r666", func(r *models.AutomationRule) {
		r.Conditions = models.Atom("event.amount", models.OpGt, 1e6)
	})

	d := NewTriggerDispatcher(ms, nil, NewConditionEvaluator(NewFakeClock(testNow)), nil, quietLogger())
	trg := overdueTrigger("x", 800)
	trg.TenantID = "t1"
	out, err := d.Dispatch(context.Background(), trg)
	require.NoError(t, err)

	ids := make([]string, 0, len(out.Candidates))
	for _, c := range out.Candidates {
		ids = append(ids, c.Rule.ID)
	}
	assert.Equal(t, []string{"r1", "r666"}, ids)
	require.Len(t, out.Matched(), 1)
	assert.Equal(t, "r1", out.Matched()[0].Rule.ID)
}

func TestTriggerDispatcher_BuildContext(t *testing.T) {
	var calls int
	var mu sync.Mutex
	snaps := snapshotFunc(func(_ context.Context, tenantID string) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if tenantID == "broken" {
			return nil, errors.New("history offline")
		}
		return map[string]interface{}{"cash_balance": 1234.0}, nil
	})
	d := NewTriggerDispatcher(store.NewMemoryStore(), snaps, NewConditionEvaluator(nil), nil, quietLogger())

	trg := models.Trigger{ID: "t-1", TenantID: "t1", Type: models.TriggerScheduleWeekly, OccurredAt: testNow, Payload: map[string]interface{}{"k": "v"}}
	facts := d.BuildContext(context.Background(), trg)
	v, ok := facts.Lookup("tenant.cash_balance")
	assert.True(t, ok)
	assert.Equal(t, 1234.0, v)
	v, _ = facts.Lookup("trigger.category")
	assert.Equal(t, "scheduled", v)
	v, _ = facts.Lookup("trigger.occurred_at")
	assert.Equal(t, "2024-06-01T09:00:00Z", v)
	v, _ = facts.Lookup("event.k")
	assert.Equal(t, "v", v)

	trg.TenantID = "broken"
	facts = d.BuildContext(context.Background(), trg)
	_, ok = facts.Lookup("tenant.cash_balance")
	assert.False(t, ok, "snapshot failures leave tenant empty")
	assert.Equal(t, 2, calls)
}

func TestIdempotencyKeys(t *testing.T) {
	r := overdueRule("t1")
	r.ID, r.Version = "rule-1", 1
	trg := overdueTrigger("a", 900)

	k1 := ExecutionKey(r, trg)
	assert.Len(t, k1, 64)
	assert.Equal(t, k1, ExecutionKey(r, trg))

	r2 := r.Clone()
	r2.Version = 2
	assert.NotEqual(t, k1, ExecutionKey(r2, trg), "a new rule version is a new execution")

	trg.IdempotencyKey = "client-key"
	keyed := ExecutionKey(r, trg)
	assert.Len(t, keyed, 64)
	assert.Equal(t, keyed, ExecutionKey(r2, trg), "a caller key survives rule updates")
	redelivered := overdueTrigger("b", 900)
	redelivered.IdempotencyKey = "client-key"
	assert.Equal(t, keyed, ExecutionKey(r, redelivered), "the caller key replaces the trigger id")

	otherRule := r.Clone()
	otherRule.ID = "rule-2"
	assert.NotEqual(t, keyed, ExecutionKey(otherRule, trg), "one delivery id fans out per rule")
	otherTenant := r.Clone()
	otherTenant.TenantID = "t2"
	assert.NotEqual(t, keyed, ExecutionKey(otherTenant, trg), "keys never collide across tenants")
	assert.Equal(t, keyed+":2", ActionKey(keyed, 2))

	fp := PayloadFingerprint(r, trg)
	other := overdueTrigger("a", 901)
	assert.NotEqual(t, fp, PayloadFingerprint(r, other))
	assert.Equal(t, fp, PayloadFingerprint(r, overdueTrigger("a", 900)))
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := km.Lock("a")
		close(acquired)
		u()
	}()
	otherDone := make(chan struct{})
	go func() {
		km.Lock("b")()
		close(otherDone)
	}()
	<-otherDone

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks)
}
