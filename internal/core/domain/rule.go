package domain

import "fmt"

// RuleType combines condition results.
type RuleType string

const (
	// RuleAll passes only when every condition holds.
	RuleAll RuleType = "all"
	// RuleAny passes when at least one condition holds.
	RuleAny RuleType = "any"
)

// Operator is a comparator from the closed set understood by the rule gate.
type Operator string

const (
	OpEqual                Operator = "equal"
	OpNotEqual             Operator = "notEqual"
	OpContains             Operator = "contains"
	OpDoesNotContain       Operator = "doesNotContain"
	OpGreaterThan          Operator = "greaterThan"
	OpGreaterThanInclusive Operator = "greaterThanInclusive"
	OpLessThan             Operator = "lessThan"
	OpLessThanInclusive    Operator = "lessThanInclusive"
	OpIn                   Operator = "in"
	OpNotIn                Operator = "notIn"
)

var knownOperators = map[Operator]struct{}{
	OpEqual: {}, OpNotEqual: {}, OpContains: {}, OpDoesNotContain: {},
	OpGreaterThan: {}, OpGreaterThanInclusive: {}, OpLessThan: {}, OpLessThanInclusive: {},
	OpIn: {}, OpNotIn: {},
}

// Valid reports whether op belongs to the supported set.
func (op Operator) Valid() bool {
	_, ok := knownOperators[op]
	return ok
}

// Condition compares the body value at Fact (a dotted path) with Value.
type Condition struct {
	Fact     string   `koanf:"fact" json:"fact"`
	Operator Operator `koanf:"operator" json:"operator"`
	Value    any      `koanf:"value" json:"value"`
}

// String renders the condition as "fact operator value".
func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Fact, c.Operator, c.Value)
}

// RuleDescriptor is a closed-form predicate over a request body.
type RuleDescriptor struct {
	Type       RuleType    `koanf:"type" json:"type"`
	Conditions []Condition `koanf:"conditions" json:"conditions"`
}

// Validate rejects empty condition lists, unknown types and unknown operators.
func (r *RuleDescriptor) Validate() error {
	switch r.Type {
	case RuleAll, RuleAny:
	case "":
		r.Type = RuleAll
	default:
		return fmt.Errorf("unknown rule type %q (must be 'all' or 'any')", r.Type)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule requires at least one condition")
	}
	for i, c := range r.Conditions {
		if c.Fact == "" {
			return fmt.Errorf("condition %d: fact is required", i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
	}
	return nil
}

// Facts lists the condition facts in declaration order.
func (r *RuleDescriptor) Facts() []string {
	facts := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		facts[i] = c.Fact
	}
	return facts
}
