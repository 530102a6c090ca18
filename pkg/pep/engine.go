package pep

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Facts supplies left-operand values at evaluation time. The engine never
// knows how a fact is sourced.
type Facts interface {
	Resolve(ctx context.Context, name string, params map[string]string) (any, error)
}

// ConstraintFacts is an optional Facts extension consulted with the
// constraint's required value in hand. Sources that answer with a set of
// candidate values use it to pick the entry the engine should compare.
type ConstraintFacts interface {
	Facts
	ResolveConstraint(ctx context.Context, name string, params map[string]string, required any) (any, error)
}

// Engine is the opaque policy decision capability. Implementations must
// be fail-closed: any error during evaluation reads as deny.
type Engine interface {
	Instantiate(doc []byte) (*Document, error)
	Evaluate(ctx context.Context, doc *Document, action, target string, facts Facts, params map[string]string) (bool, error)
}

// RuleEngine is the builtin engine. It covers the comparison forms the
// connector's contracts use: permission lookup by action and target,
// constraint and duty evaluation against live facts.
type RuleEngine struct{}

func (RuleEngine) Instantiate(doc []byte) (*Document, error) {
	parsed, err := ParseDocument(doc)
	if err != nil {
		return nil, err
	}
	// Reference policies are handed over as ODRL Offers.
	if parsed.Type == "" {
		parsed.Type = "Offer"
	}
	return parsed, nil
}

func (RuleEngine) Evaluate(ctx context.Context, doc *Document, action, target string, facts Facts, params map[string]string) (bool, error) {
	if doc == nil {
		return false, fmt.Errorf("no policy instantiated")
	}
	for _, set := range doc.Policies {
		for _, rule := range set.Prohibitions {
			if matchRule(rule, action, target) {
				return false, nil
			}
		}
	}
	matched := false
	for _, set := range doc.Policies {
		for _, rule := range set.Permissions {
			if !matchRule(rule, action, target) {
				continue
			}
			matched = true
			ok, err := evalConstraints(ctx, rule.Constraints, facts, params)
			if err != nil || !ok {
				return false, err
			}
			for _, duty := range rule.Duties {
				ok, err := evalConstraints(ctx, duty.Constraints, facts, params)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		}
	}
	if !matched {
		return false, fmt.Errorf("no permission covers action %q on target %q", action, target)
	}
	return false, nil
}

func matchRule(rule Rule, action, target string) bool {
	if rule.Target != target {
		return false
	}
	return rule.Action == action || rule.Action == ""
}

func evalConstraints(ctx context.Context, constraints []Constraint, facts Facts, params map[string]string) (bool, error) {
	for _, c := range constraints {
		right, err := c.RightValue()
		if err != nil {
			return false, err
		}
		var fact any
		if cf, ok := facts.(ConstraintFacts); ok {
			fact, err = cf.ResolveConstraint(ctx, c.LeftOperand, params, right)
		} else {
			fact, err = facts.Resolve(ctx, c.LeftOperand, params)
		}
		if err != nil {
			return false, fmt.Errorf("resolve %s: %w", c.LeftOperand, err)
		}
		ok, err := compare(fact, c.Operator, right)
		if err != nil {
			return false, fmt.Errorf("constraint %s %s: %w", c.LeftOperand, c.Operator, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(left any, operator string, right any) (bool, error) {
	op := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(operator)), "odrl:")
	if lt, lok := asTime(left); lok {
		if rt, rok := asTime(right); rok {
			return compareOrdered(float64(lt.Unix()), op, float64(rt.Unix()))
		}
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		return compareOrdered(lf, op, rf)
	}
	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "eq":
		return ls == rs, nil
	case "neq":
		return ls != rs, nil
	default:
		return false, fmt.Errorf("operator %q needs comparable operands (%T vs %T)", operator, left, right)
	}
}

func compareOrdered(left float64, op string, right float64) (bool, error) {
	switch op {
	case "eq":
		return left == right, nil
	case "neq":
		return left != right, nil
	case "lt":
		return left < right, nil
	case "lteq", "lte":
		return left <= right, nil
	case "gt":
		return left > right, nil
	case "gteq", "gte":
		return left >= right, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, strings.TrimSpace(val)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
