// Package filter implements the per-connection delivery predicate. A message is delivered on
// a connection only when every rule of the connection's filter matches its body.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/message"
)

// Operators understood by Rule.
const (
	OpEqual        = "eq"
	OpNotEqual     = "ne"
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpContains     = "contains"
	OpExists       = "exists"
)

// Rule defines a single filter condition
type Rule struct {
	Field    string `json:"field"           yaml:"field"`
	Operator string `json:"operator"        yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Validate checks the rule's field and operator.
func (r Rule) Validate() error {
	if r.Field == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate", "field is required")
	}
	switch r.Operator {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpContains, OpExists:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate",
			fmt.Sprintf("unknown operator %q", r.Operator))
	}
}

// Filter is a conjunction of rules. The zero value matches everything.
type Filter struct {
	rules []Rule
}

// New validates rules and builds a filter.
func New(rules []Rule) (*Filter, error) {
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "filter", "New", fmt.Sprintf("rule %d", i))
		}
	}
	return &Filter{rules: append([]Rule(nil), rules...)}, nil
}

// Rules returns a copy of the filter's rules.
func (f *Filter) Rules() []Rule {
	if f == nil {
		return nil
	}
	return append([]Rule(nil), f.rules...)
}

// Match reports whether body satisfies every rule. A nil filter matches.
func (f *Filter) Match(body message.Body) bool {
	if f == nil {
		return true
	}
	for _, rule := range f.rules {
		if !matchRule(body, rule) {
			return false
		}
	}
	return true
}

func matchRule(body message.Body, rule Rule) bool {
	value, ok := body.Lookup(rule.Field)
	if rule.Operator == OpExists {
		return ok
	}
	if !ok || value == nil {
		return false
	}

	switch rule.Operator {
	case OpEqual:
		return fmt.Sprint(value) == fmt.Sprint(rule.Value)
	case OpNotEqual:
		return fmt.Sprint(value) != fmt.Sprint(rule.Value)
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		cmp, ok := compareNumbers(value, rule.Value)
		if !ok {
			return false
		}
		switch rule.Operator {
		case OpGreater:
			return cmp > 0
		case OpGreaterEqual:
			return cmp >= 0
		case OpLess:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpContains:
		return strings.Contains(fmt.Sprint(value), fmt.Sprint(rule.Value))
	default:
		return false
	}
}

// compareNumbers returns -1, 0 or 1; ok is false when either side is not numeric.
func compareNumbers(a, b any) (int, bool) {
	x, ok := toFloat64(a)
	if !ok {
		return 0, false
	}
	y, ok := toFloat64(b)
	if !ok {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
