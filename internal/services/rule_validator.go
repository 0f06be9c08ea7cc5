package services

import (
	"fmt"
	"strings"

	"finpilot/internal/models"

	"github.com/go-playground/validator/v10"
)

// ruleShape carries the struct-level constraints of a rule.
type ruleShape struct {
	TenantID    string `validate:"required,max=64"`
	Name        string `validate:"required,max=200"`
	Description string `validate:"max=2000"`
	TriggerType string `validate:"required"`
	Status      string `validate:"omitempty,oneof=draft enabled disabled auto_paused"`
	ActionCount int    `validate:"min=1"`
}

// actionParamRules lists required params per action type and the validator tag applied
// to non-templated values.
var actionParamRules = map[models.ActionType]map[string]string{
	models.ActionSendEmail:           {"to": "required,email", "subject": "required"},
	models.ActionSendNotification:    {"message": "required"},
	models.ActionCallWebhook:         {"url": "required,url"},
	models.ActionGenerateReport:      {"report_type": "required,oneof=cash_flow profit_loss balance_sheet ar_aging expense_summary"},
	models.ActionLockAccount:         {"account_id": "required"},
	models.ActionCreateTask:          {"title": "required,max=200"},
	models.ActionAddTag:              {"tag": "required,max=64"},
	models.ActionUpdateStatus:        {"entity_id": "required", "status": "required"},
	models.ActionSendPaymentReminder: {"invoice_id": "required"},
	models.ActionLogMessage:          {"message": "required"},
}

// RuleValidator validates rules before they are persisted.
type RuleValidator struct {
	validate   *validator.Validate
	limits     ConditionLimits
	maxActions int
}

func NewRuleValidator(limits ConditionLimits, maxActions int) *RuleValidator {
	if maxActions <= 0 {
		maxActions = 10
	}
	return &RuleValidator{validate: validator.New(), limits: limits, maxActions: maxActions}
}

// Validate returns a *ValidationError listing every problem found, or nil.
func (v *RuleValidator) Validate(rule *models.AutomationRule) error {
	verr := NewValidationError("rule")
	shape := ruleShape{
		TenantID:    rule.TenantID,
		Name:        strings.TrimSpace(rule.Name),
		Description: rule.Description,
		TriggerType: string(rule.TriggerType),
		Status:      string(rule.Status),
		ActionCount: len(rule.Actions),
	}
	if err := v.validate.Struct(shape); err != nil {
		if ves, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ves {
				verr.Add(fieldName(fe.Field()), describeTag(fe))
			}
		} else {
			verr.Add("rule", err.Error())
		}
	}
	if rule.TriggerType != "" && !rule.TriggerType.Valid() {
		verr.Add("trigger_type", fmt.Sprintf("unknown trigger type %q", rule.TriggerType))
	}
	if len(rule.Actions) > v.maxActions {
		verr.Add("actions", fmt.Sprintf("%d actions exceeds maximum %d", len(rule.Actions), v.maxActions))
	}
	for i, a := range rule.Actions {
		v.validateAction(i, a, verr)
	}
	if err := ValidateConditionTree(rule.Conditions, v.limits); err != nil {
		if ce, ok := err.(*ValidationError); ok {
			for k, p := range ce.Fields {
				verr.Add("conditions"+strings.TrimPrefix(k, "$"), p)
			}
		}
	}
	return verr.OrNil()
}

func (v *RuleValidator) validateAction(i int, a models.ActionSpec, verr *ValidationError) {
	prefix := fmt.Sprintf("actions[%d]", i)
	if !a.Type.Valid() {
		verr.Add(prefix+".type", fmt.Sprintf("unknown action type %q", a.Type))
		return
	}
	for param, tag := range actionParamRules[a.Type] {
		raw, ok := a.Params[param]
		if !ok || raw == nil {
			verr.Add(prefix+".params."+param, "required")
			continue
		}
		s, isString := raw.(string)
		if isString && strings.Contains(s, "{{") {
			// 模板值在执行时解析
			continue
		}
		if err := v.validate.Var(raw, tag); err != nil {
			if ves, ok := err.(validator.ValidationErrors); ok && len(ves) > 0 {
				verr.Add(prefix+".params."+param, describeTag(ves[0]))
			} else {
				verr.Add(prefix+".params."+param, err.Error())
			}
		}
	}
}

func fieldName(f string) string {
	switch f {
	case "TenantID":
		return "tenant_id"
	case "TriggerType":
		return "trigger_type"
	case "ActionCount":
		return "actions"
	default:
		return strings.ToLower(f)
	}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "max":
		return "must be at most " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be an email address"
	case "url":
		return "must be a URL"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
