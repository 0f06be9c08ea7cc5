package services

import (
	"context"
	"fmt"
	"time"

	"finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/internal/store"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Candidate is a rule selected for a trigger together with its evaluation.
type Candidate struct {
	Rule  *models.AutomationRule
	Match models.MatchResult
}

// Dispatch is the outcome of fanning one trigger out to a tenant's rules.
type Dispatch struct {
	Trigger    models.Trigger
	Facts      Facts
	Candidates []Candidate
}

// Matched returns the candidates whose conditions matched, in rule order.
func (d *Dispatch) Matched() []Candidate {
	var out []Candidate
	for _, c := range d.Candidates {
		if c.Match.Matched {
			out = append(out, c)
		}
	}
	return out
}

// TriggerDispatcher selects enabled rules for a trigger, builds the fact context and
// evaluates every candidate.
type TriggerDispatcher struct {
	rules     store.RuleStore
	snapshots TenantSnapshotProvider
	evaluator *ConditionEvaluator
	metrics   *metrics.Collectors
	logger    *logrus.Logger
}

func NewTriggerDispatcher(rules store.RuleStore, snapshots TenantSnapshotProvider, evaluator *ConditionEvaluator, m *metrics.Collectors, logger *logrus.Logger) *TriggerDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerDispatcher{rules: rules, snapshots: snapshots, evaluator: evaluator, metrics: m, logger: logger}
}

// Candidates returns the tenant's enabled rules for the trigger type whose optional
// trigger_config.payload_match entries all equal the trigger payload.
func (d *TriggerDispatcher) Candidates(ctx context.Context, trigger models.Trigger) ([]*models.AutomationRule, error) {
	rules, err := d.rules.ListRules(ctx, trigger.TenantID, store.RuleFilter{
		TriggerType: trigger.Type,
		Status:      models.RuleStatusEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]*models.AutomationRule, 0, len(rules))
	for _, r := range rules {
		if r.TenantID != trigger.TenantID {
			// 存储层越权返回，直接拒绝
			return nil, &TenantIsolationError{CallerTenant: trigger.TenantID, Entity: "rule", EntityID: r.ID}
		}
		if !r.Dispatchable() || r.TriggerType != trigger.Type || !payloadMatches(r.TriggerConfig, trigger.Payload) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func payloadMatches(cfg map[string]interface{}, payload map[string]interface{}) bool {
	want, ok := cfg["payload_match"].(map[string]interface{})
	if !ok {
		return true
	}
	facts := Facts(payload)
	for k, v := range want {
		got, found := facts.Lookup(k)
		if !found || !equalValues(got, v) {
			return false
		}
	}
	return true
}

// BuildContext merges the event payload with a read-only tenant snapshot:
//
//	event.*    the trigger payload
//	tenant.*   the tenant snapshot (cash_balance, burn_rate, runway_months, ...)
//	trigger.*  id, type, category and occurred_at
//
// A snapshot failure is logged and leaves tenant empty; rules that reference it then
// see missing fields, which never match.
func (d *TriggerDispatcher) BuildContext(ctx context.Context, trigger models.Trigger) Facts {
	event := make(map[string]interface{}, len(trigger.Payload))
	for k, v := range trigger.Payload {
		event[k] = v
	}
	tenant := map[string]interface{}{}
	if d.snapshots != nil {
		snap, err := d.snapshots.TenantSnapshot(ctx, trigger.TenantID)
		if err != nil {
			d.logger.WithError(err).WithField("tenant_id", trigger.TenantID).Warn("tenant snapshot unavailable")
		} else {
			for k, v := range snap {
				tenant[k] = v
			}
		}
	}
	return Facts{
		"event":  event,
		"tenant": tenant,
		"trigger": map[string]interface{}{
			"id":          trigger.ID,
			"type":        string(trigger.Type),
			"category":    string(trigger.Type.Category()),
			"occurred_at": trigger.OccurredAt.Format(time.RFC3339),
		},
	}
}

// Dispatch evaluates every candidate rule. Evaluation is pure, so candidates are
// evaluated in parallel and the results kept in rule order.
func (d *TriggerDispatcher) Dispatch(ctx context.Context, trigger models.Trigger) (*Dispatch, error) {
	ctx, span := startSpan(ctx, "automation.dispatch", trigger.TenantID)
	defer span.End()

	rules, err := d.Candidates(ctx, trigger)
	if err != nil {
		return nil, err
	}
	facts := d.BuildContext(ctx, trigger)
	out := &Dispatch{Trigger: trigger, Facts: facts, Candidates: make([]Candidate, len(rules))}

	var g errgroup.Group
	g.SetLimit(8)
	for i, r := range rules {
		i, r := i, r
		g.Go(func() error {
			out.Candidates[i] = Candidate{Rule: r, Match: d.evaluator.EvaluateRule(r, facts)}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range out.Candidates {
		d.metrics.ObserveEvaluation(c.Match.Matched)
	}
	d.logger.WithFields(logrus.Fields{
		"tenant_id":  trigger.TenantID,
		"trigger":    trigger.Type,
		"candidates": len(rules),
		"matched":    len(out.Matched()),
	}).Debug("trigger dispatched")
	return out, nil
}
