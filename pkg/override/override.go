// Package override implements tenant-scoped rewriting of BBB create-call
// parameters. Operators cover hard assignment, defaults, numeric caps and
// comma-list extension, letting operators enforce policy (recording off,
// duration limits, disabled features) per tenant.
package override

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bbblb/bbblb/pkg/bbb"
)

// Operator selects how a rule combines with the frontend's parameter value.
type Operator string

const (
	// OpAssign replaces the value unconditionally; an empty operand removes
	// the parameter.
	OpAssign Operator = "="

	// OpDefault sets the value only when the frontend did not send one.
	OpDefault Operator = "?"

	// OpClamp caps a numeric value at the operand. Absent or non-numeric
	// values are replaced by the operand.
	OpClamp Operator = "<"

	// OpAppend adds items to a comma-separated list, deduplicating.
	OpAppend Operator = "+"
)

// IsValid checks if the value is a known Operator.
func (op Operator) IsValid() bool {
	switch op {
	case OpAssign, OpDefault, OpClamp, OpAppend:
		return true
	}
	return false
}

var rulePattern = regexp.MustCompile(`^([a-zA-Z0-9_-]+)([=?<+])(.*)$`)

// Rule is one parameter rewrite.
type Rule struct {
	Param   string
	Op      Operator
	Operand string
}

// Parse parses the CLI syntax "param=value" where the operator is one of
// = ? < +.
func Parse(s string) (Rule, error) {
	m := rulePattern.FindStringSubmatch(s)
	if m == nil {
		return Rule{}, fmt.Errorf("malformed override %q, expected name{=?<+}value", s)
	}
	return Rule{Param: m[1], Op: Operator(m[2]), Operand: m[3]}, nil
}

// String renders the rule in its CLI syntax.
func (r Rule) String() string {
	return r.Param + string(r.Op) + r.Operand
}

// Apply rewrites params according to the rule.
func (r Rule) Apply(params *bbb.Params) {
	switch r.Op {
	case OpAssign:
		if r.Operand == "" {
			params.Del(r.Param)
			return
		}
		params.Set(r.Param, r.Operand)
	case OpDefault:
		if !params.Has(r.Param) {
			params.Set(r.Param, r.Operand)
		}
	case OpClamp:
		value, errValue := strconv.ParseFloat(params.Get(r.Param), 64)
		limit, errLimit := strconv.ParseFloat(r.Operand, 64)
		if errValue == nil && errLimit == nil && value <= limit {
			return
		}
		params.Set(r.Param, r.Operand)
	case OpAppend:
		items := splitList(params.Get(r.Param))
		seen := make(map[string]bool, len(items))
		for _, item := range items {
			seen[item] = true
		}
		for _, item := range splitList(r.Operand) {
			if !seen[item] {
				items = append(items, item)
				seen[item] = true
			}
		}
		params.Set(r.Param, strings.Join(items, ","))
	}
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Set is an ordered collection of rules, at most one per parameter. Rules
// apply in parameter-name order so applications are deterministic regardless
// of how the set was assembled.
type Set struct {
	rules []Rule
}

// FromMap builds a Set from the serialized tenant form (parameter →
// [operator, operand]).
func FromMap(m map[string][2]string) (Set, error) {
	var s Set
	for param, rule := range m {
		op := Operator(rule[0])
		if !op.IsValid() {
			return Set{}, fmt.Errorf("override %s has unknown operator %q", param, rule[0])
		}
		s.rules = append(s.rules, Rule{Param: param, Op: op, Operand: rule[1]})
	}
	sort.Slice(s.rules, func(i, j int) bool { return s.rules[i].Param < s.rules[j].Param })
	return s, nil
}

// Map serializes the Set into the tenant storage form.
func (s *Set) Map() map[string][2]string {
	m := make(map[string][2]string, len(s.rules))
	for _, r := range s.rules {
		m[r.Param] = [2]string{string(r.Op), r.Operand}
	}
	return m
}

// Add inserts a rule, replacing any existing rule for the same parameter.
func (s *Set) Add(r Rule) {
	for i, existing := range s.rules {
		if existing.Param == r.Param {
			s.rules[i] = r
			return
		}
	}
	s.rules = append(s.rules, r)
	sort.Slice(s.rules, func(i, j int) bool { return s.rules[i].Param < s.rules[j].Param })
}

// Remove drops the rule for a parameter, reporting whether one existed.
func (s *Set) Remove(param string) bool {
	for i, r := range s.rules {
		if r.Param == param {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the rules in application order.
func (s *Set) Rules() []Rule {
	return s.rules
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.rules)
}

// Apply rewrites params with every rule in the set.
func (s *Set) Apply(params *bbb.Params) {
	for _, r := range s.rules {
		r.Apply(params)
	}
}
