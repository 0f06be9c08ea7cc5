package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"finpilot/internal/config"
	"finpilot/internal/metrics"
	"finpilot/internal/models"
	"finpilot/internal/store"
	"finpilot/pkg/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// AutomationDeps wires NewAutomationService. Executor may be nil, in which case one is
// built from the automation config with an empty registry.
type AutomationDeps struct {
	Store     store.Store
	Executor  *ActionExecutor
	Guard     *PlanGuard
	Auditor   *Auditor
	Snapshots TenantSnapshotProvider
	Clock     Clock
	Metrics   *metrics.Collectors
	Logger    *logrus.Logger
}

// AutomationService 自动化编排：规则管理、触发分发、执行状态机、重试与自动暂停
type AutomationService struct {
	store      store.Store
	validator  *RuleValidator
	evaluator  *ConditionEvaluator
	dispatcher *TriggerDispatcher
	executor   *ActionExecutor
	guard      *PlanGuard
	auditor    *Auditor
	pool       *WorkerPool
	delays     *DelayQueue
	limiter    *TenantRateLimiter
	clock      Clock
	metrics    *metrics.Collectors
	logger     *logrus.Logger

	autoPause    int
	pollInterval time.Duration

	keys      *keyedMutex
	ruleLocks *keyedMutex

	mu      sync.Mutex
	handles map[string]*ExecutionHandle
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewAutomationService(cfg config.AutomationConfig, deps AutomationDeps) *AutomationService {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	limits := DefaultConditionLimits()
	if cfg.MaxConditionDepth > 0 {
		limits.MaxDepth = cfg.MaxConditionDepth
	}
	if cfg.MaxConditionNodes > 0 {
		limits.MaxNodes = cfg.MaxConditionNodes
	}
	executor := deps.Executor
	if executor == nil {
		executor = NewActionExecutor(nil, ActionExecutorConfig{
			Policy:    RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseBackoff, MaxDelay: cfg.MaxBackoff},
			Timeout:   cfg.ActionTimeout,
			Breaker:   CircuitBreakerConfig{MaxFailures: cfg.SinkBreakerFailures, ResetTimeout: cfg.SinkBreakerResetTime},
			CacheSize: cfg.ResultCacheSize,
			CacheTTL:  cfg.ResultCacheTTL,
		}, clock, logger, deps.Metrics)
	}
	autoPause := cfg.AutoPauseThreshold
	if autoPause <= 0 {
		autoPause = 3
	}
	evaluator := NewConditionEvaluator(clock)
	return &AutomationService{
		store:        deps.Store,
		validator:    NewRuleValidator(limits, cfg.MaxActions),
		evaluator:    evaluator,
		dispatcher:   NewTriggerDispatcher(deps.Store, deps.Snapshots, evaluator, deps.Metrics, logger),
		executor:     executor,
		guard:        deps.Guard,
		auditor:      deps.Auditor,
		pool:         NewWorkerPool(cfg.Workers, cfg.QueueSize, logger, deps.Metrics),
		delays:       NewDelayQueue(clock),
		limiter:      NewTenantRateLimiter(cfg.TenantRatePerMinute, cfg.TenantBurst, clock),
		clock:        clock,
		metrics:      deps.Metrics,
		logger:       logger,
		autoPause:    autoPause,
		pollInterval: cfg.RetryPollInterval,
		keys:         newKeyedMutex(),
		ruleLocks:    newKeyedMutex(),
		handles:      make(map[string]*ExecutionHandle),
		baseCtx:      context.Background(),
	}
}

// Start runs the retry/deferral loop until ctx ends or Stop is called.
func (s *AutomationService) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.baseCtx, s.stop = ctx, cancel
	s.mu.Unlock()
	go s.delays.Start(ctx, s.pollInterval)
	s.logger.Info("automation service started")
}

// Stop ends the retry loop and drains the worker pool. Pending retries are dropped.
func (s *AutomationService) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
	s.pool.Stop()
}

// RunDueRetries runs deferred executions that are due now and reports how many ran.
func (s *AutomationService) RunDueRetries() int {
	n := s.delays.RunDue()
	s.metrics.SetPendingRetries(s.delays.Len())
	return n
}

// PendingRetries is the number of executions waiting on a delay.
func (s *AutomationService) PendingRetries() int { return s.delays.Len() }

// Evaluator exposes the shared stateless evaluator.
func (s *AutomationService) Evaluator() *ConditionEvaluator { return s.evaluator }

// Executor exposes the action executor for sink registration and breaker stats.
func (s *AutomationService) Executor() *ActionExecutor { return s.executor }

func (s *AutomationService) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// ---- rules ----

// ValidateRule checks a rule without persisting it.
func (s *AutomationService) ValidateRule(rule *models.AutomationRule) error {
	if rule == nil {
		verr := NewValidationError("rule")
		verr.Add("rule", "required")
		return verr
	}
	return s.validator.Validate(rule)
}

// CreateRule validates, checks the plan and persists rule as version 1. New rules are
// enabled unless created as drafts or disabled.
func (s *AutomationService) CreateRule(ctx context.Context, tc models.TenantContext, rule *models.AutomationRule) (*models.AutomationRule, error) {
	ctx, span := startSpan(ctx, "automation.create_rule", tc.TenantID)
	defer span.End()

	if rule == nil {
		return nil, s.ValidateRule(nil)
	}
	r := rule.Clone()
	if r.TenantID != "" && r.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "rule", r.ID)
	}
	r.TenantID = tc.TenantID
	if r.Status == "" {
		r.Status = models.RuleStatusEnabled
	}
	if r.Status == models.RuleStatusAutoPaused {
		verr := NewValidationError("rule")
		verr.Add("status", "auto_paused is set by the system")
		return nil, verr
	}
	if err := s.validator.Validate(r); err != nil {
		return nil, err
	}

	// 同一租户串行化配额检查与写入
	unlock := s.keys.Lock("rules|" + tc.TenantID)
	defer unlock()
	if s.guard != nil {
		if err := s.guard.Check(ctx, tc, ResourceRules); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	r.ID = utils.GeneratePrefixedID("rule")
	r.Version = 1
	r.ConsecutiveFailures = 0
	r.PausedReason = ""
	r.CreatedAt, r.UpdatedAt = now, now
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.auditor.Record(ctx, models.AuditEvent{
		TenantID: tc.TenantID,
		Type:     models.AuditRuleCreated,
		EntityID: r.ID,
		ToStatus: string(r.Status),
		Message:  fmt.Sprintf("rule %q created", r.Name),
		Data:     map[string]interface{}{"trigger_type": string(r.TriggerType), "actions": len(r.Actions)},
	})
	return r.Clone(), nil
}

// UpdateRule replaces a rule's definition and bumps its version.
func (s *AutomationService) UpdateRule(ctx context.Context, tc models.TenantContext, rule *models.AutomationRule) (*models.AutomationRule, error) {
	if rule == nil {
		return nil, s.ValidateRule(nil)
	}
	unlock := s.ruleLocks.Lock(rule.ID)
	defer unlock()

	existing, err := s.GetRule(ctx, tc, rule.ID)
	if err != nil {
		return nil, err
	}
	r := rule.Clone()
	if r.TenantID != "" && r.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "rule", r.ID)
	}
	r.TenantID = tc.TenantID
	if r.Status == "" {
		r.Status = existing.Status
	}
	if r.Status == models.RuleStatusAutoPaused && existing.Status != models.RuleStatusAutoPaused {
		verr := NewValidationError("rule")
		verr.Add("status", "auto_paused is set by the system")
		return nil, verr
	}
	if err := s.validator.Validate(r); err != nil {
		return nil, err
	}
	r.Version = existing.Version + 1
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.clock.Now()
	if r.Status == existing.Status {
		r.ConsecutiveFailures, r.PausedReason = existing.ConsecutiveFailures, existing.PausedReason
	} else {
		r.ConsecutiveFailures, r.PausedReason = 0, ""
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return nil, mapStoreError(err, "rule", r.ID)
	}
	s.auditor.Record(ctx, models.AuditEvent{
		TenantID:   tc.TenantID,
		Type:       models.AuditRuleUpdated,
		EntityID:   r.ID,
		FromStatus: string(existing.Status),
		ToStatus:   string(r.Status),
		Message:    fmt.Sprintf("rule %q updated to version %d", r.Name, r.Version),
	})
	return r.Clone(), nil
}

// SetRuleStatus enables, disables or drafts a rule. Re-enabling clears the failure streak.
func (s *AutomationService) SetRuleStatus(ctx context.Context, tc models.TenantContext, id string, status models.RuleStatus, reason string) (*models.AutomationRule, error) {
	if !status.Valid() || status == models.RuleStatusAutoPaused {
		verr := NewValidationError("rule")
		verr.Add("status", "must be one of: draft enabled disabled")
		return nil, verr
	}
	unlock := s.ruleLocks.Lock(id)
	defer unlock()

	r, err := s.GetRule(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	from := r.Status
	if from == status {
		return r, nil
	}
	r.Status = status
	r.UpdatedAt = s.clock.Now()
	if status == models.RuleStatusEnabled {
		r.ConsecutiveFailures, r.PausedReason = 0, ""
	} else {
		r.PausedReason = strings.TrimSpace(reason)
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return nil, mapStoreError(err, "rule", id)
	}
	msg := fmt.Sprintf("rule status changed from %s to %s", from, status)
	if r.PausedReason != "" {
		msg += ": " + r.PausedReason
	}
	s.auditor.Record(ctx, models.AuditEvent{
		TenantID:   tc.TenantID,
		Type:       models.AuditRuleStatusChanged,
		EntityID:   id,
		FromStatus: string(from),
		ToStatus:   string(status),
		Message:    msg,
	})
	return r, nil
}

func (s *AutomationService) GetRule(ctx context.Context, tc models.TenantContext, id string) (*models.AutomationRule, error) {
	r, err := s.store.GetRule(ctx, tc.TenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "rule", id)
	}
	if r.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "rule", id)
	}
	return r, nil
}

func (s *AutomationService) ListRules(ctx context.Context, tc models.TenantContext, filter store.RuleFilter) ([]*models.AutomationRule, error) {
	out, err := s.store.ListRules(ctx, tc.TenantID, filter)
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		if r.TenantID != tc.TenantID {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "rule", r.ID)
		}
	}
	return out, nil
}

func (s *AutomationService) DeleteRule(ctx context.Context, tc models.TenantContext, id string) error {
	r, err := s.GetRule(ctx, tc, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRule(ctx, tc.TenantID, id); err != nil {
		return mapStoreError(err, "rule", id)
	}
	s.auditor.Record(ctx, models.AuditEvent{
		TenantID:   tc.TenantID,
		Type:       models.AuditRuleStatusChanged,
		EntityID:   id,
		FromStatus: string(r.Status),
		ToStatus:   "deleted",
		Message:    fmt.Sprintf("rule %q deleted", r.Name),
	})
	return nil
}

// ---- triggers & executions ----

func (s *AutomationService) normalizeTrigger(ctx context.Context, tc models.TenantContext, trigger models.Trigger) (models.Trigger, error) {
	if trigger.TenantID == "" {
		trigger.TenantID = tc.TenantID
	}
	if trigger.TenantID != tc.TenantID {
		return trigger, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "trigger", trigger.ID)
	}
	if trigger.ID == "" {
		trigger.ID = utils.GeneratePrefixedID("trg")
	}
	if trigger.OccurredAt.IsZero() {
		trigger.OccurredAt = s.clock.Now()
	}
	if !trigger.Type.Valid() {
		verr := NewValidationError("trigger")
		verr.Add("type", fmt.Sprintf("unknown trigger type %q", trigger.Type))
		return trigger, verr
	}
	return trigger, nil
}

// HandleTrigger dispatches trigger to the tenant's enabled rules and starts an execution
// for every match. Per-rule denials and conflicts are joined into the returned error; the
// handles of everything that did start are still returned.
func (s *AutomationService) HandleTrigger(ctx context.Context, tc models.TenantContext, trigger models.Trigger) ([]*ExecutionHandle, error) {
	ctx, span := startSpan(ctx, "automation.handle_trigger", tc.TenantID, attribute.String("trigger.type", string(trigger.Type)))
	defer span.End()

	trigger, err := s.normalizeTrigger(ctx, tc, trigger)
	if err != nil {
		return nil, err
	}
	d, err := s.dispatcher.Dispatch(ctx, trigger)
	if err != nil {
		var iso *TenantIsolationError
		if errors.As(err, &iso) {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, iso.Entity, iso.EntityID)
		}
		return nil, err
	}

	var handles []*ExecutionHandle
	var errs []error
	for _, c := range d.Candidates {
		if !c.Match.Matched {
			s.auditMatch(ctx, c.Rule, c.Match, trigger)
			continue
		}
		m := c.Match
		h, err := s.execute(ctx, tc, c.Rule, trigger, d.Facts, &m)
		if h != nil {
			handles = append(handles, h)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return handles, errors.Join(errs...)
}

// ExecuteAutomation runs one rule against a trigger. facts may be nil, in which case the
// context is built the same way the dispatcher builds it. Replaying an idempotency key
// returns the original execution; replaying it with a different payload returns an
// *IdempotencyConflictError carrying the original.
func (s *AutomationService) ExecuteAutomation(ctx context.Context, tc models.TenantContext, rule *models.AutomationRule, trigger models.Trigger, facts Facts) (*ExecutionHandle, error) {
	if rule == nil {
		return nil, s.ValidateRule(nil)
	}
	if rule.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "rule", rule.ID)
	}
	if trigger.Type == "" {
		trigger.Type = rule.TriggerType
	}
	trigger, err := s.normalizeTrigger(ctx, tc, trigger)
	if err != nil {
		return nil, err
	}
	if facts == nil {
		facts = s.dispatcher.BuildContext(ctx, trigger)
	}
	return s.execute(ctx, tc, rule.Clone(), trigger, facts, nil)
}

func (s *AutomationService) execute(ctx context.Context, tc models.TenantContext, rule *models.AutomationRule, trigger models.Trigger, facts Facts, match *models.MatchResult) (*ExecutionHandle, error) {
	ctx, span := startSpan(ctx, "automation.execute", tc.TenantID, attribute.String("rule.id", rule.ID))
	defer span.End()

	key := ExecutionKey(rule, trigger)
	fingerprint := PayloadFingerprint(rule, trigger)
	unlock := s.keys.Lock(tc.TenantID + "|" + key)
	defer unlock()

	prior, err := s.store.FindExecutionByKey(ctx, tc.TenantID, key)
	switch {
	case err == nil:
		if prior.TenantID != tc.TenantID {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "execution", prior.ID)
		}
		if prior.Fingerprint != fingerprint {
			shown := trigger.IdempotencyKey
			if shown == "" {
				shown = key
			}
			s.auditor.Record(ctx, models.AuditEvent{
				TenantID: tc.TenantID,
				Type:     models.AuditIdempotencyConflict,
				EntityID: prior.ID,
				Message:  "idempotency key replayed with a different payload",
				Data:     map[string]interface{}{"idempotency_key": shown, "rule_id": rule.ID},
			})
			return nil, &IdempotencyConflictError{Key: shown, Original: prior}
		}
		if h := s.liveHandle(prior.ID); h != nil {
			return h, nil
		}
		return completedHandle(prior), nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("look up idempotency key: %w", err)
	}

	now := s.clock.Now()
	exec := &models.AutomationExecution{
		ID:              utils.GeneratePrefixedID("exe"),
		RuleID:          rule.ID,
		RuleVersion:     rule.Version,
		TenantID:        tc.TenantID,
		TriggerID:       trigger.ID,
		TriggeredAt:     now,
		ContextSnapshot: map[string]interface{}(facts),
		IdempotencyKey:  key,
		Fingerprint:     fingerprint,
		UpdatedAt:       now,
	}
	if !rule.Dispatchable() {
		return s.skip(ctx, exec, fmt.Sprintf("Rule is %s, so it was not run.", rule.Status)), nil
	}
	// 配额检查到保存之间按租户串行，避免并发执行超出月度额度
	release := s.keys.Lock("executions|" + tc.TenantID)
	if s.guard != nil {
		if err := s.guard.Check(ctx, tc, ResourceExecutions); err != nil {
			release()
			return s.skip(ctx, exec, Explain(err)), err
		}
	}
	if match == nil {
		m := s.evaluator.EvaluateRule(rule, facts)
		s.metrics.ObserveEvaluation(m.Matched)
		match = &m
	}
	exec.ConditionTrace = match.Trace
	s.auditMatch(ctx, rule, *match, trigger)
	if !match.Matched {
		msg := "Conditions did not match."
		if len(match.Warnings) > 0 {
			msg += " " + strings.Join(match.Warnings, "; ")
		}
		release()
		return s.skip(ctx, exec, msg), nil
	}

	exec.Status = models.ExecutionPending
	exec.ActionResults = make([]models.ActionResult, len(rule.Actions))
	for i, a := range rule.Actions {
		exec.ActionResults[i] = models.ActionResult{Index: i, Type: a.Type, Status: models.ActionStatusPending}
	}
	err = s.store.SaveExecution(ctx, exec)
	release()
	if err != nil {
		return nil, fmt.Errorf("save execution: %w", err)
	}
	s.auditTransition(ctx, exec, "", models.ExecutionPending, "execution created")

	h := newExecutionHandle(s, rule, exec)
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	s.enqueue(h)
	return h, nil
}

func (s *AutomationService) skip(ctx context.Context, exec *models.AutomationExecution, explanation string) *ExecutionHandle {
	now := s.clock.Now()
	exec.Status = models.ExecutionSkipped
	exec.Explanation = explanation
	exec.CompletedAt = &now
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		s.logger.WithError(err).WithField("execution_id", exec.ID).Error("failed to save skipped execution")
	}
	s.auditTransition(ctx, exec, "", models.ExecutionSkipped, explanation)
	s.metrics.ObserveExecution(string(models.ExecutionSkipped))
	return completedHandle(exec)
}

func (s *AutomationService) liveHandle(id string) *ExecutionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// enqueue hands the execution to the worker pool, deferring it when the tenant is over
// its rate or the queue is full.
func (s *AutomationService) enqueue(h *ExecutionHandle) {
	ok, wait := s.limiter.Reserve(h.rule.TenantID)
	if !ok {
		s.logger.WithFields(logrus.Fields{"tenant_id": h.rule.TenantID, "execution_id": h.id, "wait": wait}).Debug("tenant rate limited, deferring execution")
		s.delays.Schedule(s.clock.Now().Add(wait), h.id, func() { s.enqueue(h) })
		return
	}
	err := s.pool.Submit(func() { s.run(h) })
	switch {
	case err == nil:
	case errors.Is(err, ErrPoolFull):
		metrics.IncRateLimitDrop("worker_queue")
		s.delays.Schedule(s.clock.Now().Add(time.Second), h.id, func() { s.enqueue(h) })
	default:
		h.run.Lock()
		defer h.run.Unlock()
		if !h.exec.Status.Terminal() {
			s.finalize(s.context(), h, models.ExecutionFailed, "The automation service stopped before the execution could run.")
		}
	}
}

// run drives the execution through its remaining actions. Succeeded actions are never
// repeated; the first failing action either schedules a retry or ends the execution.
func (s *AutomationService) run(h *ExecutionHandle) {
	h.run.Lock()
	defer h.run.Unlock()
	exec := h.exec
	if exec.Status.Terminal() {
		return
	}
	ctx := s.context()
	if h.cancelled.Load() {
		s.finalize(ctx, h, models.ExecutionCancelled, "Cancelled before it started.")
		return
	}

	from := exec.Status
	exec.Status = models.ExecutionRunning
	exec.AttemptCount++
	exec.NextRetryAt = nil
	exec.UpdatedAt = s.clock.Now()
	s.persist(ctx, h)
	s.auditTransition(ctx, exec, from, models.ExecutionRunning, fmt.Sprintf("run %d started", exec.AttemptCount))

	policy := s.executor.Policy()
	total := len(h.rule.Actions)
	for i, spec := range h.rule.Actions {
		res := &exec.ActionResults[i]
		if res.Status == models.ActionStatusSucceeded {
			continue
		}
		if h.cancelled.Load() {
			s.finalize(ctx, h, models.ExecutionCancelled, fmt.Sprintf("Cancelled after %d of %d actions.", i, total))
			return
		}
		started := s.clock.Now()
		if res.StartedAt == nil {
			res.StartedAt = &started
		}
		res.Attempts++
		out := s.executor.Attempt(ctx, ActionRequest{
			TenantID:       exec.TenantID,
			RuleID:         exec.RuleID,
			ExecutionID:    exec.ID,
			Index:          i,
			Type:           spec.Type,
			Params:         spec.Params,
			Facts:          Facts(exec.ContextSnapshot),
			IdempotencyKey: ActionKey(exec.IdempotencyKey, i),
		}, res.Attempts)
		s.auditAttempt(ctx, exec, i, spec.Type, res.Attempts, out)

		finished := s.clock.Now()
		if out.Err == nil {
			res.Status = models.ActionStatusSucceeded
			res.Output = out.Output
			res.Error = ""
			res.FinishedAt = &finished
			s.persist(ctx, h)
			continue
		}

		res.Error = out.Err.Error()
		if !out.Err.Transient || policy.Exhausted(res.Attempts) {
			res.Status = models.ActionStatusFailed
			res.FinishedAt = &finished
			why := "retry budget exhausted"
			if !out.Err.Transient {
				why = "permanent error"
			}
			s.finalize(ctx, h, models.ExecutionFailed, fmt.Sprintf("Action %d of %d (%s) failed after %d attempt(s), %s. %s",
				i+1, total, spec.Type, res.Attempts, why, Explain(out.Err)))
			return
		}

		delay := policy.Delay(res.Attempts)
		next := finished.Add(delay)
		res.Status = models.ActionStatusRetrying
		res.Delays = append(res.Delays, delay)
		exec.Status = models.ExecutionRetrying
		exec.NextRetryAt = &next
		exec.UpdatedAt = finished
		s.persist(ctx, h)
		s.auditTransition(ctx, exec, models.ExecutionRunning, models.ExecutionRetrying,
			fmt.Sprintf("action %d (%s) failed, retrying in %s", i+1, spec.Type, delay))
		s.delays.Schedule(next, h.id, func() { s.enqueue(h) })
		s.metrics.SetPendingRetries(s.delays.Len())
		return
	}
	s.finalize(ctx, h, models.ExecutionSucceeded, fmt.Sprintf("All %d actions succeeded.", total))
}

func (s *AutomationService) cancelExecution(h *ExecutionHandle) {
	if s.delays.Cancel(h.id) == 0 {
		// a worker owns the execution and will see the flag between steps
		return
	}
	s.metrics.SetPendingRetries(s.delays.Len())
	h.run.Lock()
	defer h.run.Unlock()
	if h.exec.Status.Terminal() {
		return
	}
	s.finalize(s.context(), h, models.ExecutionCancelled, "Cancelled while waiting to run.")
}

// finalize must be called with h.run held.
func (s *AutomationService) finalize(ctx context.Context, h *ExecutionHandle, status models.ExecutionStatus, explanation string) {
	exec := h.exec
	from := exec.Status
	now := s.clock.Now()
	exec.Status = status
	exec.Explanation = explanation
	exec.CompletedAt = &now
	exec.NextRetryAt = nil
	exec.UpdatedAt = now
	if status != models.ExecutionSucceeded {
		for i := range exec.ActionResults {
			switch exec.ActionResults[i].Status {
			case models.ActionStatusPending, models.ActionStatusRetrying:
				exec.ActionResults[i].Status = models.ActionStatusSkipped
			}
		}
	}
	s.persist(ctx, h)
	s.auditTransition(ctx, exec, from, status, explanation)
	s.metrics.ObserveExecution(string(status))

	switch status {
	case models.ExecutionFailed:
		s.recordFailure(ctx, h.rule, explanation)
	case models.ExecutionSucceeded:
		s.resetFailures(ctx, h.rule)
	}

	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()
	h.finish()

	s.logger.WithFields(logrus.Fields{
		"tenant_id":    exec.TenantID,
		"rule_id":      exec.RuleID,
		"execution_id": exec.ID,
		"status":       status,
	}).Info("execution finished")
}

func (s *AutomationService) persist(ctx context.Context, h *ExecutionHandle) {
	if err := s.store.SaveExecution(ctx, h.exec); err != nil {
		s.logger.WithError(err).WithField("execution_id", h.id).Error("failed to save execution")
	}
	h.publish()
}

// recordFailure extends the rule's failure streak and auto-pauses it at the threshold.
func (s *AutomationService) recordFailure(ctx context.Context, rule *models.AutomationRule, explanation string) {
	unlock := s.ruleLocks.Lock(rule.ID)
	defer unlock()
	r, err := s.store.GetRule(ctx, rule.TenantID, rule.ID)
	if err != nil {
		s.logger.WithError(err).WithField("rule_id", rule.ID).Warn("could not load rule to record failure")
		return
	}
	r.ConsecutiveFailures++
	r.UpdatedAt = s.clock.Now()
	paused := false
	if r.ConsecutiveFailures >= s.autoPause && r.Status == models.RuleStatusEnabled {
		r.Status = models.RuleStatusAutoPaused
		r.PausedReason = fmt.Sprintf("Paused after %d consecutive failed executions. Last failure: %s", r.ConsecutiveFailures, explanation)
		paused = true
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		s.logger.WithError(err).WithField("rule_id", r.ID).Error("failed to update rule failure streak")
		return
	}
	if paused {
		s.logger.WithFields(logrus.Fields{"tenant_id": r.TenantID, "rule_id": r.ID}).Warn(r.PausedReason)
		s.auditor.Record(ctx, models.AuditEvent{
			TenantID:   r.TenantID,
			Type:       models.AuditRuleAutoPaused,
			EntityID:   r.ID,
			FromStatus: string(models.RuleStatusEnabled),
			ToStatus:   string(models.RuleStatusAutoPaused),
			Message:    r.PausedReason,
			Data:       map[string]interface{}{"consecutive_failures": r.ConsecutiveFailures},
		})
	}
}

func (s *AutomationService) resetFailures(ctx context.Context, rule *models.AutomationRule) {
	unlock := s.ruleLocks.Lock(rule.ID)
	defer unlock()
	r, err := s.store.GetRule(ctx, rule.TenantID, rule.ID)
	if err != nil || r.ConsecutiveFailures == 0 {
		return
	}
	r.ConsecutiveFailures = 0
	r.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateRule(ctx, r); err != nil {
		s.logger.WithError(err).WithField("rule_id", r.ID).Error("failed to reset rule failure streak")
	}
}

// PreviewAutomation is a dry run: plan check, context assembly and evaluation, plus the
// actions that would run with their rendered params. Nothing is persisted or invoked.
func (s *AutomationService) PreviewAutomation(ctx context.Context, tc models.TenantContext, rule *models.AutomationRule, trigger models.Trigger) (*models.DryRunResult, error) {
	ctx, span := startSpan(ctx, "automation.preview", tc.TenantID)
	defer span.End()

	if rule == nil {
		return nil, s.ValidateRule(nil)
	}
	if rule.TenantID != "" && rule.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "rule", rule.ID)
	}
	r := rule.Clone()
	r.TenantID = tc.TenantID
	if err := s.validator.Validate(r); err != nil {
		return nil, err
	}
	if trigger.Type == "" {
		trigger.Type = r.TriggerType
	}
	trigger, err := s.normalizeTrigger(ctx, tc, trigger)
	if err != nil {
		return nil, err
	}

	res := &models.DryRunResult{RuleID: r.ID, Allowed: true, IntendedActions: []models.ActionPreview{}}
	if s.guard != nil {
		if err := s.guard.Peek(ctx, tc, ResourceExecutions); err != nil {
			res.Allowed = false
			res.Denial = Explain(err)
		}
	}
	facts := s.dispatcher.BuildContext(ctx, trigger)
	m := s.evaluator.EvaluateRule(r, facts)
	res.Match = &m
	res.Context = map[string]interface{}(facts)
	if !res.Allowed || !m.Matched {
		return res, nil
	}
	for i, a := range r.Actions {
		_, ok := s.executor.Registry().Lookup(a.Type)
		p := models.ActionPreview{Index: i, Type: a.Type, Params: RenderParams(a.Params, facts), Registered: ok}
		if !ok {
			p.Problem = "no sink is registered for this action type"
		}
		res.IntendedActions = append(res.IntendedActions, p)
	}
	return res, nil
}

func (s *AutomationService) GetExecution(ctx context.Context, tc models.TenantContext, id string) (*models.AutomationExecution, error) {
	e, err := s.store.GetExecution(ctx, tc.TenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "execution", id)
	}
	if e.TenantID != tc.TenantID {
		return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "execution", id)
	}
	return e, nil
}

// Handle returns the live handle of an in-flight execution.
func (s *AutomationService) Handle(tc models.TenantContext, id string) (*ExecutionHandle, bool) {
	h := s.liveHandle(id)
	if h == nil || h.rule.TenantID != tc.TenantID {
		return nil, false
	}
	return h, true
}

func (s *AutomationService) ListExecutions(ctx context.Context, tc models.TenantContext, filter store.ExecutionFilter) ([]*models.AutomationExecution, error) {
	out, err := s.store.ListExecutions(ctx, tc.TenantID, filter)
	if err != nil {
		return nil, err
	}
	for _, e := range out {
		if e.TenantID != tc.TenantID {
			return nil, isolationViolation(ctx, s.auditor, s.metrics, s.logger, tc.TenantID, "execution", e.ID)
		}
	}
	return out, nil
}

// ---- audit helpers ----

func (s *AutomationService) auditTransition(ctx context.Context, exec *models.AutomationExecution, from, to models.ExecutionStatus, msg string) {
	if msg == "" {
		msg = fmt.Sprintf("execution %s -> %s", from, to)
	}
	s.auditor.Record(ctx, models.AuditEvent{
		TenantID:   exec.TenantID,
		Type:       models.AuditExecutionTransition,
		EntityID:   exec.ID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Message:    msg,
		Data:       map[string]interface{}{"rule_id": exec.RuleID, "run": exec.AttemptCount},
	})
}

func (s *AutomationService) auditMatch(ctx context.Context, rule *models.AutomationRule, m models.MatchResult, trigger models.Trigger) {
	typ, msg := models.AuditRuleNotMatched, fmt.Sprintf("rule %q did not match %s", rule.Name, trigger.Type)
	if m.Matched {
		typ, msg = models.AuditRuleMatched, fmt.Sprintf("rule %q matched %s", rule.Name, trigger.Type)
	}
	data := map[string]interface{}{
		"trigger_id":   trigger.ID,
		"rule_version": rule.Version,
		"trace_nodes":  len(m.Trace),
	}
	if len(m.Warnings) > 0 {
		data["warnings"] = m.Warnings
	}
	s.auditor.Record(ctx, models.AuditEvent{TenantID: rule.TenantID, Type: typ, EntityID: rule.ID, Message: msg, Data: data})
}

func (s *AutomationService) auditAttempt(ctx context.Context, exec *models.AutomationExecution, index int, t models.ActionType, attempt int, out AttemptOutcome) {
	data := map[string]interface{}{
		"index":       index,
		"action":      string(t),
		"attempt":     attempt,
		"cached":      out.Cached,
		"duration_ms": out.Duration.Milliseconds(),
	}
	msg := fmt.Sprintf("action %s attempt %d succeeded", t, attempt)
	if out.Err != nil {
		data["error"] = out.Err.Error()
		data["transient"] = out.Err.Transient
		msg = fmt.Sprintf("action %s attempt %d failed", t, attempt)
	}
	s.auditor.Record(ctx, models.AuditEvent{TenantID: exec.TenantID, Type: models.AuditActionAttempt, EntityID: exec.ID, Message: msg, Data: data})
}
