// Package rules evaluates closed-form condition rules against request bodies.
package rules

import (
	"reflect"
	"strings"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

// Result is the outcome of evaluating a rule.
type Result struct {
	Pass bool
	// Unmet holds "fact operator value" for every unsatisfied condition.
	Unmet []string
	// MissingFacts lists facts absent from the body.
	MissingFacts []string
}

// Err returns nil when the rule passed, else a *domain.RuleViolationError.
func (r Result) Err(rule *domain.RuleDescriptor) error {
	if r.Pass {
		return nil
	}
	return &domain.RuleViolationError{
		Violations:   r.Unmet,
		MissingFacts: r.MissingFacts,
		RuleFacts:    rule.Facts(),
	}
}

// Evaluate checks body against rule. It never mutates body.
//
// For "all" rules every condition must hold. For "any" rules at least one
// must; when none do, every condition is reported as unmet. Deployed rule
// sets only use "all", so the "any" behavior is inferred rather than observed.
func Evaluate(rule *domain.RuleDescriptor, body map[string]any) Result {
	var (
		res       Result
		satisfied int
	)
	for _, c := range rule.Conditions {
		fact, ok := dotpath.Get(body, c.Fact)
		if !ok {
			res.MissingFacts = appendUnique(res.MissingFacts, c.Fact)
			res.Unmet = append(res.Unmet, c.String())
			continue
		}
		if check(c.Operator, fact, c.Value) {
			satisfied++
			continue
		}
		res.Unmet = append(res.Unmet, c.String())
	}

	switch rule.Type {
	case domain.RuleAny:
		res.Pass = satisfied > 0
	default:
		res.Pass = satisfied == len(rule.Conditions)
	}
	if res.Pass {
		res.Unmet, res.MissingFacts = nil, nil
	}
	return res
}

func check(op domain.Operator, fact, value any) bool {
	switch op {
	case domain.OpEqual:
		return equal(fact, value)
	case domain.OpNotEqual:
		return !equal(fact, value)
	case domain.OpContains:
		return contains(fact, value)
	case domain.OpDoesNotContain:
		return !contains(fact, value)
	case domain.OpIn:
		return contains(value, fact)
	case domain.OpNotIn:
		return !contains(value, fact)
	case domain.OpGreaterThan, domain.OpGreaterThanInclusive, domain.OpLessThan, domain.OpLessThanInclusive:
		a, okA := number(fact)
		b, okB := number(value)
		if !okA || !okB {
			return false
		}
		switch op {
		case domain.OpGreaterThan:
			return a > b
		case domain.OpGreaterThanInclusive:
			return a >= b
		case domain.OpLessThan:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// equal compares scalars by value, treating all numeric types alike.
func equal(a, b any) bool {
	if na, ok := number(a); ok {
		nb, ok := number(b)
		return ok && na == nb
	}
	return reflect.DeepEqual(a, b)
}

// contains reports whether haystack (a list or string) holds needle.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if equal(v, needle) {
				return true
			}
		}
	case []string:
		for _, v := range h {
			if equal(v, needle) {
				return true
			}
		}
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
