package models

import "time"

// TriggerType 触发器类型
type TriggerType string

const (
	TriggerInvoiceCreated          TriggerType = "invoice_created"
	TriggerInvoiceSent             TriggerType = "invoice_sent"
	TriggerInvoiceOverdue          TriggerType = "invoice_overdue"
	TriggerInvoicePaid             TriggerType = "invoice_paid"
	TriggerPaymentReceived         TriggerType = "payment_received"
	TriggerPaymentFailed           TriggerType = "payment_failed"
	TriggerExpenseCreated          TriggerType = "expense_created"
	TriggerExpenseApproved         TriggerType = "expense_approved"
	TriggerBillDue                 TriggerType = "bill_due"
	TriggerBankTransactionImported TriggerType = "bank_transaction_imported"
	TriggerBalanceBelowThreshold   TriggerType = "balance_below_threshold"
	TriggerBudgetExceeded          TriggerType = "budget_exceeded"
	TriggerCustomerCreated         TriggerType = "customer_created"
	TriggerAnomalyDetected         TriggerType = "anomaly_detected"
	TriggerScheduleDaily           TriggerType = "schedule_daily"
	TriggerScheduleWeekly          TriggerType = "schedule_weekly"
	TriggerScheduleMonthly         TriggerType = "schedule_monthly"
	TriggerManual                  TriggerType = "manual"
)

// TriggerCategory groups trigger types.
type TriggerCategory string

const (
	TriggerCategoryEvent     TriggerCategory = "event"
	TriggerCategoryScheduled TriggerCategory = "scheduled"
	TriggerCategoryManual    TriggerCategory = "manual"
)

// AllTriggerTypes lists every supported trigger type.
func AllTriggerTypes() []TriggerType {
	return []TriggerType{
		TriggerInvoiceCreated, TriggerInvoiceSent, TriggerInvoiceOverdue, TriggerInvoicePaid,
		TriggerPaymentReceived, TriggerPaymentFailed, TriggerExpenseCreated, TriggerExpenseApproved,
		TriggerBillDue, TriggerBankTransactionImported, TriggerBalanceBelowThreshold,
		TriggerBudgetExceeded, TriggerCustomerCreated, TriggerAnomalyDetected,
		TriggerScheduleDaily, TriggerScheduleWeekly, TriggerScheduleMonthly, TriggerManual,
	}
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, k := range AllTriggerTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// Category classifies the trigger.
func (t TriggerType) Category() TriggerCategory {
	switch t {
	case TriggerScheduleDaily, TriggerScheduleWeekly, TriggerScheduleMonthly:
		return TriggerCategoryScheduled
	case TriggerManual:
		return TriggerCategoryManual
	default:
		return TriggerCategoryEvent
	}
}

// ActionType 动作类型
type ActionType string

const (
	ActionSendEmail           ActionType = "send_email"
	ActionSendNotification    ActionType = "send_notification"
	ActionCallWebhook         ActionType = "call_webhook"
	ActionGenerateReport      ActionType = "generate_report"
	ActionLockAccount         ActionType = "lock_account"
	ActionCreateTask          ActionType = "create_task"
	ActionAddTag              ActionType = "add_tag"
	ActionUpdateStatus        ActionType = "update_status"
	ActionSendPaymentReminder ActionType = "send_payment_reminder"
	ActionLogMessage          ActionType = "log_message"
)

// AllActionTypes lists every supported action type.
func AllActionTypes() []ActionType {
	return []ActionType{
		ActionSendEmail, ActionSendNotification, ActionCallWebhook, ActionGenerateReport,
		ActionLockAccount, ActionCreateTask, ActionAddTag, ActionUpdateStatus,
		ActionSendPaymentReminder, ActionLogMessage,
	}
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	for _, k := range AllActionTypes() {
		if k == a {
			return true
		}
	}
	return false
}

// RuleStatus 规则状态
type RuleStatus string

const (
	RuleStatusDraft      RuleStatus = "draft"
	RuleStatusEnabled    RuleStatus = "enabled"
	RuleStatusDisabled   RuleStatus = "disabled"
	RuleStatusAutoPaused RuleStatus = "auto_paused"
)

// Valid reports whether s is a known rule status.
func (s RuleStatus) Valid() bool {
	switch s {
	case RuleStatusDraft, RuleStatusEnabled, RuleStatusDisabled, RuleStatusAutoPaused:
		return true
	}
	return false
}

// Operator is an atomic comparison operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpBetween    Operator = "between"
)

// AllOperators lists the twelve comparison operators.
func AllOperators() []Operator {
	return []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpStartsWith, OpEndsWith, OpIn, OpNotIn, OpBetween}
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	for _, k := range AllOperators() {
		if k == op {
			return true
		}
	}
	return false
}

// NodeKind tags a condition node variant.
type NodeKind string

const (
	NodeAnd    NodeKind = "and"
	NodeOr     NodeKind = "or"
	NodeNot    NodeKind = "not"
	NodeAtomic NodeKind = "atomic"
)

// ConditionNode is one node of a condition tree. Trees are values: build them with
// And/Or/Not/Atom and never mutate one after it has been validated and saved.
type ConditionNode struct {
	Kind     NodeKind        `json:"kind"`
	Children []ConditionNode `json:"children,omitempty"`
	Field    string          `json:"field,omitempty"`
	Op       Operator        `json:"op,omitempty"`
	Value    interface{}     `json:"value,omitempty"`
}

// And combines children with logical AND.
func And(children ...ConditionNode) ConditionNode {
	return ConditionNode{Kind: NodeAnd, Children: cloneNodes(children)}
}

// Or combines children with logical OR.
func Or(children ...ConditionNode) ConditionNode {
	return ConditionNode{Kind: NodeOr, Children: cloneNodes(children)}
}

// Not negates a single child.
func Not(child ConditionNode) ConditionNode {
	return ConditionNode{Kind: NodeNot, Children: []ConditionNode{child.Clone()}}
}

// Atom builds an atomic comparison.
func Atom(field string, op Operator, value interface{}) ConditionNode {
	return ConditionNode{Kind: NodeAtomic, Field: field, Op: op, Value: cloneValue(value)}
}

// Clone deep-copies the tree.
func (n ConditionNode) Clone() ConditionNode {
	out := n
	out.Children = cloneNodes(n.Children)
	out.Value = cloneValue(n.Value)
	return out
}

// Depth returns the height of the tree (a single atom has depth 1).
func (n ConditionNode) Depth() int {
	max := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// Count returns the number of nodes in the tree.
func (n ConditionNode) Count() int {
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

// IsZero reports an empty (always-true) tree.
func (n ConditionNode) IsZero() bool {
	return n.Kind == "" && len(n.Children) == 0 && n.Field == ""
}

func cloneNodes(in []ConditionNode) []ConditionNode {
	if in == nil {
		return nil
	}
	out := make([]ConditionNode, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

// ActionSpec is one ordered step of a rule.
type ActionSpec struct {
	Type   ActionType             `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// AutomationRule 自动化规则
type AutomationRule struct {
	ID                  string                 `json:"id"`
	TenantID            string                 `json:"tenant_id"`
	Name                string                 `json:"name"`
	Description         string                 `json:"description,omitempty"`
	TriggerType         TriggerType            `json:"trigger_type"`
	TriggerConfig       map[string]interface{} `json:"trigger_config,omitempty"`
	Conditions          ConditionNode          `json:"conditions"`
	Actions             []ActionSpec           `json:"actions"`
	Status              RuleStatus             `json:"status"`
	Version             int                    `json:"version"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	PausedReason        string                 `json:"paused_reason,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// Dispatchable reports whether the rule may be matched against triggers.
func (r *AutomationRule) Dispatchable() bool {
	return r.Status == RuleStatusEnabled
}

// Clone returns a deep copy so callers cannot mutate stored trees.
func (r *AutomationRule) Clone() *AutomationRule {
	if r == nil {
		return nil
	}
	out := *r
	out.Conditions = r.Conditions.Clone()
	out.TriggerConfig, _ = cloneValue(r.TriggerConfig).(map[string]interface{})
	if r.Actions != nil {
		out.Actions = make([]ActionSpec, len(r.Actions))
		for i, a := range r.Actions {
			params, _ := cloneValue(a.Params).(map[string]interface{})
			out.Actions[i] = ActionSpec{Type: a.Type, Params: params}
		}
	}
	return &out
}

// Trigger is an incoming event or schedule tick.
type Trigger struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	Type       TriggerType            `json:"type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	// IdempotencyKey is optional; when empty one is derived from rule, version and trigger id.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TraceEntry records the outcome of one visited condition node.
type TraceEntry struct {
	Path           string      `json:"path"`
	Kind           NodeKind    `json:"kind"`
	Field          string      `json:"field,omitempty"`
	Op             Operator    `json:"op,omitempty"`
	Expected       interface{} `json:"expected,omitempty"`
	Actual         interface{} `json:"actual,omitempty"`
	Matched        bool        `json:"matched"`
	ShortCircuited bool        `json:"short_circuited,omitempty"`
	Warning        string      `json:"warning,omitempty"`
}

// MatchResult is the output of evaluating one rule against a fact context.
type MatchResult struct {
	RuleID      string       `json:"rule_id"`
	RuleVersion int          `json:"rule_version"`
	Matched     bool         `json:"matched"`
	Trace       []TraceEntry `json:"trace"`
	Warnings    []string     `json:"warnings,omitempty"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// ExecutionStatus 执行状态
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionRetrying  ExecutionStatus = "retrying"
	ExecutionSkipped   ExecutionStatus = "skipped"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionSkipped, ExecutionCancelled:
		return true
	}
	return false
}

// ActionStatus is the per-action outcome.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusSucceeded ActionStatus = "succeeded"
	ActionStatusRetrying  ActionStatus = "retrying"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusSkipped   ActionStatus = "skipped"
)

// ActionResult records what happened to one action of an execution.
type ActionResult struct {
	Index      int                    `json:"index"`
	Type       ActionType             `json:"type"`
	Status     ActionStatus           `json:"status"`
	Attempts   int                    `json:"attempts"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Delays     []time.Duration        `json:"delays,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// AutomationExecution 一次规则执行记录
type AutomationExecution struct {
	ID              string                 `json:"id"`
	RuleID          string                 `json:"rule_id"`
	RuleVersion     int                    `json:"rule_version"`
	TenantID        string                 `json:"tenant_id"`
	TriggerID       string                 `json:"trigger_id,omitempty"`
	TriggeredAt     time.Time              `json:"triggered_at"`
	ContextSnapshot map[string]interface{} `json:"context_snapshot"`
	ConditionTrace  []TraceEntry           `json:"condition_trace"`
	Status          ExecutionStatus        `json:"status"`
	AttemptCount    int                    `json:"attempt_count"`
	NextRetryAt     *time.Time             `json:"next_retry_at,omitempty"`
	ActionResults   []ActionResult         `json:"action_results"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	Fingerprint     string                 `json:"fingerprint"`
	Explanation     string                 `json:"explanation,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Clone deep-copies the execution record.
func (e *AutomationExecution) Clone() *AutomationExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.ContextSnapshot, _ = cloneValue(e.ContextSnapshot).(map[string]interface{})
	out.ConditionTrace = append([]TraceEntry(nil), e.ConditionTrace...)
	if e.ActionResults != nil {
		out.ActionResults = make([]ActionResult, len(e.ActionResults))
		for i, r := range e.ActionResults {
			r.Output, _ = cloneValue(r.Output).(map[string]interface{})
			r.Delays = append([]time.Duration(nil), r.Delays...)
			out.ActionResults[i] = r
		}
	}
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		out.NextRetryAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ActionPreview describes an action a dry run would have invoked.
type ActionPreview struct {
	Index      int                    `json:"index"`
	Type       ActionType             `json:"type"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Registered bool                   `json:"registered"`
	Problem    string                 `json:"problem,omitempty"`
}

// DryRunResult is returned by previewing a rule without side effects.
type DryRunResult struct {
	RuleID          string                 `json:"rule_id"`
	Allowed         bool                   `json:"allowed"`
	Denial          string                 `json:"denial,omitempty"`
	Match           *MatchResult           `json:"match,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	IntendedActions []ActionPreview        `json:"intended_actions"`
}
