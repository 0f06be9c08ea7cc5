package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"finpilot/internal/models"
)

// Explainer is implemented by every error that carries a user-safe explanation.
type Explainer interface {
	Explain() string
}

// Explain returns the human readable explanation of err, falling back to err.Error().
func Explain(err error) string {
	if err == nil {
		return ""
	}
	var ex Explainer
	if errors.As(err, &ex) {
		return ex.Explain()
	}
	return err.Error()
}

// ValidationError rejects a malformed rule, condition tree, action or parameter set before persistence.
type ValidationError struct {
	Entity string
	Fields map[string]string
}

func NewValidationError(entity string) *ValidationError {
	return &ValidationError{Entity: entity, Fields: make(map[string]string)}
}

// Add records a problem with one field path.
func (e *ValidationError) Add(field, problem string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = problem
}

// OrNil returns nil when no field problems were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Explain())
}

func (e *ValidationError) Explain() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return strings.Join(parts, "; ")
}

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// InsufficientDataError reports that a computation ran on too little history. Callers
// receive it next to a low-confidence partial result, never instead of one.
type InsufficientDataError struct {
	What   string
	Reason string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %s", e.What, e.Reason)
}

func (e *InsufficientDataError) Explain() string {
	return fmt.Sprintf("Not enough history to compute %s reliably: %s.", e.What, e.Reason)
}

func IsInsufficientData(err error) bool {
	var e *InsufficientDataError
	return errors.As(err, &e)
}

// PlanLimitExceededError blocks creation or execution when the tenant is over quota
// or the plan service cannot be reached.
type PlanLimitExceededError struct {
	TenantID      string
	Tier          string
	Resource      string
	Current       int
	Max           int
	Unavailable   bool
	UpgradePrompt UpgradePrompt
}

// UpgradePrompt is the payload shown to the user when a plan limit blocks them.
type UpgradePrompt struct {
	Message     string `json:"message"`
	CurrentTier string `json:"current_tier"`
	UpgradeURL  string `json:"upgrade_url,omitempty"`
	Limit       int    `json:"limit"`
	Used        int    `json:"used"`
}

func (e *PlanLimitExceededError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("plan limits unavailable for tenant %s: denying %s", e.TenantID, e.Resource)
	}
	return fmt.Sprintf("plan limit exceeded for %s: %d/%d on tier %s", e.Resource, e.Current, e.Max, e.Tier)
}

func (e *PlanLimitExceededError) Explain() string {
	return e.UpgradePrompt.Message
}

func IsPlanLimitExceeded(err error) bool {
	var e *PlanLimitExceededError
	return errors.As(err, &e)
}

// ActionExecutionError is a failed action attempt. Transient errors are retried per policy.
type ActionExecutionError struct {
	ActionType models.ActionType
	Attempts   int
	Transient  bool
	TimedOut   bool
	Err        error
}

func (e *ActionExecutionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("action %s failed (%s, attempt %d): %v", e.ActionType, kind, e.Attempts, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

func (e *ActionExecutionError) Explain() string {
	if e.TimedOut {
		return fmt.Sprintf("Action %s did not finish before its timeout.", e.ActionType)
	}
	return fmt.Sprintf("Action %s failed: %v", e.ActionType, e.Err)
}

func IsActionExecutionError(err error) bool {
	var e *ActionExecutionError
	return errors.As(err, &e)
}

// TenantIsolationError is raised when a result belongs to a tenant other than the caller.
// It is always fatal and never carries the offending data.
type TenantIsolationError struct {
	CallerTenant string
	Entity       string
	EntityID     string
}

func (e *TenantIsolationError) Error() string {
	return fmt.Sprintf("tenant isolation violation: %s %s requested by %s", e.Entity, e.EntityID, e.CallerTenant)
}

func (e *TenantIsolationError) Explain() string {
	return "The requested resource does not exist."
}

func IsTenantIsolationViolation(err error) bool {
	var e *TenantIsolationError
	return errors.As(err, &e)
}

// IdempotencyConflictError is returned when an idempotency key is replayed with a different payload.
// Original is the unchanged result of the first request.
type IdempotencyConflictError struct {
	Key      string
	Original *models.AutomationExecution
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used with a different payload", e.Key)
}

func (e *IdempotencyConflictError) Explain() string {
	return "This request was already processed with different data; the original result is returned unchanged."
}

func IsIdempotencyConflict(err error) bool {
	var e *IdempotencyConflictError
	return errors.As(err, &e)
}

// NotFoundError 资源不存在
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Explain() string {
	return fmt.Sprintf("The %s does not exist.", e.Entity)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an action sink error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
