package services

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"finpilot/internal/models"

	"github.com/shopspring/decimal"
)

// Facts is the context a condition tree is evaluated against. Keys are dot paths
// ("event.amount") resolved through nested maps.
type Facts map[string]interface{}

// Lookup resolves a dot path. A literal key containing dots wins over traversal.
func (f Facts) Lookup(path string) (interface{}, bool) {
	if v, ok := f[path]; ok {
		return v, true
	}
	var cur interface{} = map[string]interface{}(f)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Facts:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// ConditionEvaluator evaluates rule condition trees. It holds no mutable state, so one
// instance may be shared across goroutines, rules and tenants.
type ConditionEvaluator struct {
	clock Clock
}

func NewConditionEvaluator(clock Clock) *ConditionEvaluator {
	if clock == nil {
		clock = SystemClock()
	}
	return &ConditionEvaluator{clock: clock}
}

// EvaluateRule evaluates the rule's tree and returns the match with its full trace.
func (e *ConditionEvaluator) EvaluateRule(rule *models.AutomationRule, facts Facts) models.MatchResult {
	matched, trace, warnings := Evaluate(rule.Conditions, facts)
	return models.MatchResult{
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Matched:     matched,
		Trace:       trace,
		Warnings:    warnings,
		EvaluatedAt: e.clock.Now(),
	}
}

// Evaluate is the pure evaluation function: AND/OR short-circuit, NOT negates, atoms
// compare a fact against a literal. A missing field never errors; it is a non-match with
// a warning in the trace. An empty tree matches everything.
func Evaluate(tree models.ConditionNode, facts Facts) (bool, []models.TraceEntry, []string) {
	st := &evalState{facts: facts}
	if tree.IsZero() {
		st.trace = append(st.trace, models.TraceEntry{Path: "$", Kind: models.NodeAnd, Matched: true})
		return true, st.trace, nil
	}
	matched := st.eval(tree, "$")
	return matched, st.trace, st.warnings
}

type evalState struct {
	facts    Facts
	trace    []models.TraceEntry
	warnings []string
}

func childPath(parent string, i int) string {
	return parent + "." + strconv.Itoa(i)
}

func (s *evalState) warn(idx int, msg string) {
	s.trace[idx].Warning = msg
	s.warnings = append(s.warnings, s.trace[idx].Path+": "+msg)
}

func (s *evalState) skip(n models.ConditionNode, path string) {
	s.trace = append(s.trace, models.TraceEntry{
		Path:           path,
		Kind:           n.Kind,
		Field:          n.Field,
		Op:             n.Op,
		Expected:       n.Value,
		ShortCircuited: true,
	})
}

func (s *evalState) eval(n models.ConditionNode, path string) bool {
	idx := len(s.trace)
	s.trace = append(s.trace, models.TraceEntry{Path: path, Kind: n.Kind})

	var matched bool
	switch n.Kind {
	case models.NodeAnd:
		matched = true
		for i, c := range n.Children {
			if !matched {
				s.skip(c, childPath(path, i))
				continue
			}
			if !s.eval(c, childPath(path, i)) {
				matched = false
			}
		}
	case models.NodeOr:
		for i, c := range n.Children {
			if matched {
				s.skip(c, childPath(path, i))
				continue
			}
			if s.eval(c, childPath(path, i)) {
				matched = true
			}
		}
	case models.NodeNot:
		if len(n.Children) != 1 {
			s.warn(idx, "not node must have exactly one child")
			break
		}
		matched = !s.eval(n.Children[0], childPath(path, 0))
	case models.NodeAtomic:
		matched = s.atom(idx, n)
	default:
		s.warn(idx, fmt.Sprintf("unknown node kind %q", n.Kind))
	}
	s.trace[idx].Matched = matched
	return matched
}

func (s *evalState) atom(idx int, n models.ConditionNode) bool {
	entry := &s.trace[idx]
	entry.Field = n.Field
	entry.Op = n.Op
	entry.Expected = n.Value

	actual, found := s.facts.Lookup(n.Field)
	if !found || actual == nil {
		s.warn(idx, fmt.Sprintf("field %q is missing; %s evaluates to no match", n.Field, n.Op))
		return false
	}
	entry.Actual = actual

	matched, problem := compare(n.Op, actual, n.Value)
	if problem != "" {
		s.warn(idx, problem)
	}
	return matched
}

func compare(op models.Operator, actual, expected interface{}) (bool, string) {
	switch op {
	case models.OpEq:
		return equalValues(actual, expected), ""
	case models.OpNe:
		return !equalValues(actual, expected), ""
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		c, ok := orderValues(actual, expected)
		if !ok {
			return false, fmt.Sprintf("cannot order %T against %T", actual, expected)
		}
		switch op {
		case models.OpGt:
			return c > 0, ""
		case models.OpGte:
			return c >= 0, ""
		case models.OpLt:
			return c < 0, ""
		default:
			return c <= 0, ""
		}
	case models.OpContains:
		if list, ok := toList(actual); ok {
			for _, item := range list {
				if equalValues(item, expected) {
					return true, ""
				}
			}
			return false, ""
		}
		a, aok := actual.(string)
		b, bok := expected.(string)
		if !aok || !bok {
			return false, "contains needs a string or list field"
		}
		return strings.Contains(a, b), ""
	case models.OpStartsWith, models.OpEndsWith:
		a, aok := actual.(string)
		b, bok := expected.(string)
		if !aok || !bok {
			return false, fmt.Sprintf("%s needs string operands", op)
		}
		if op == models.OpStartsWith {
			return strings.HasPrefix(a, b), ""
		}
		return strings.HasSuffix(a, b), ""
	case models.OpIn, models.OpNotIn:
		list, ok := toList(expected)
		if !ok {
			return false, fmt.Sprintf("%s needs a list operand", op)
		}
		found := false
		for _, item := range list {
			if equalValues(actual, item) {
				found = true
				break
			}
		}
		if op == models.OpIn {
			return found, ""
		}
		return !found, ""
	case models.OpBetween:
		list, ok := toList(expected)
		if !ok || len(list) != 2 {
			return false, "between needs a two element list"
		}
		lo, lok := orderValues(actual, list[0])
		hi, hok := orderValues(actual, list[1])
		if !lok || !hok {
			return false, fmt.Sprintf("cannot order %T against between bounds", actual)
		}
		return lo >= 0 && hi <= 0, ""
	}
	return false, fmt.Sprintf("unknown operator %q", op)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]interface{}, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// orderValues compares numbers, then timestamps, then strings.
func orderValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func equalValues(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := toTime(b); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

// ConditionLimits bounds condition trees at save time.
type ConditionLimits struct {
	MaxDepth int
	MaxNodes int
}

func DefaultConditionLimits() ConditionLimits {
	return ConditionLimits{MaxDepth: 8, MaxNodes: 64}
}

// ValidateConditionTree checks node shapes, operators, operands and size bounds.
// Trees are values, so they are acyclic by construction; only the bounds need enforcing.
func ValidateConditionTree(tree models.ConditionNode, limits ConditionLimits) error {
	verr := NewValidationError("condition tree")
	if tree.IsZero() {
		return nil
	}
	if limits.MaxDepth > 0 && tree.Depth() > limits.MaxDepth {
		verr.Add("conditions", fmt.Sprintf("depth %d exceeds maximum %d", tree.Depth(), limits.MaxDepth))
	}
	if limits.MaxNodes > 0 && tree.Count() > limits.MaxNodes {
		verr.Add("conditions", fmt.Sprintf("%d nodes exceeds maximum %d", tree.Count(), limits.MaxNodes))
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	validateNode(tree, "$", verr)
	return verr.OrNil()
}

func validateNode(n models.ConditionNode, path string, verr *ValidationError) {
	switch n.Kind {
	case models.NodeAnd, models.NodeOr:
		if len(n.Children) == 0 {
			verr.Add(path, fmt.Sprintf("%s node needs at least one child", n.Kind))
		}
	case models.NodeNot:
		if len(n.Children) != 1 {
			verr.Add(path, "not node needs exactly one child")
		}
	case models.NodeAtomic:
		if len(n.Children) > 0 {
			verr.Add(path, "atomic node cannot have children")
		}
		if strings.TrimSpace(n.Field) == "" {
			verr.Add(path+".field", "required")
		}
		if !n.Op.Valid() {
			verr.Add(path+".op", fmt.Sprintf("unknown operator %q", n.Op))
			return
		}
		if problem := checkOperand(n.Op, n.Value); problem != "" {
			verr.Add(path+".value", problem)
		}
		return
	default:
		verr.Add(path+".kind", fmt.Sprintf("unknown node kind %q", n.Kind))
		return
	}
	for i, c := range n.Children {
		validateNode(c, childPath(path, i), verr)
	}
}

func checkOperand(op models.Operator, v interface{}) string {
	switch op {
	case models.OpIn, models.OpNotIn:
		list, ok := toList(v)
		if !ok || len(list) == 0 {
			return fmt.Sprintf("%s needs a non-empty list", op)
		}
	case models.OpBetween:
		list, ok := toList(v)
		if !ok || len(list) != 2 {
			return "between needs [low, high]"
		}
		lo, lok := toFloat(list[0])
		hi, hok := toFloat(list[1])
		if !lok || !hok {
			return "between bounds must be numeric"
		}
		if lo > hi {
			return "between low bound exceeds high bound"
		}
	case models.OpStartsWith, models.OpEndsWith:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("%s needs a string", op)
		}
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		if _, ok := toFloat(v); ok {
			return ""
		}
		if _, ok := toTime(v); ok {
			return ""
		}
		if _, ok := v.(string); ok {
			return ""
		}
		return fmt.Sprintf("%s needs a number, timestamp or string", op)
	default:
		if v == nil {
			return "value is required"
		}
		if _, isList := toList(v); isList {
			return fmt.Sprintf("%s takes a single value, not a list", op)
		}
	}
	return ""
}
