// Package evaluator decides whether a rule's logic tree matches a metric snapshot.
//
// Evaluation is pure and total: it never returns an error and never panics.
// Anything it cannot interpret (missing fields, malformed nodes, unknown
// operators, values that do not coerce to numbers) evaluates to false.
package evaluator

import (
	"github.com/autointelli/alertd/pkg/types"
)

// Operators understood in condition leaves.
const (
	OpEq   = "="
	OpEqEq = "=="
	OpNeq  = "!="
	OpGt   = ">"
	OpGte  = ">="
	OpLt   = "<"
	OpLte  = "<="
)

// Evaluate reports whether node matches metrics.
func Evaluate(node types.LogicNode, metrics types.MetricSnapshot) bool {
	switch node.Kind {
	case types.NodeCondition:
		if node.Condition == nil {
			return false
		}
		c := node.Condition
		return Compare(metrics[c.Field], c.Op, c.Value)

	case types.NodeGroup:
		if node.Group == nil {
			return false
		}
		switch node.Group.Op {
		case types.GroupAnd:
			for _, child := range node.Group.Children {
				if !Evaluate(child, metrics) {
					return false
				}
			}
			return true
		case types.GroupOr:
			for _, child := range node.Group.Children {
				if Evaluate(child, metrics) {
					return true
				}
			}
			return false
		}
		return false
	}
	return false
}

// Compare applies op to an actual metric value and an expected value.
//
// A null actual only satisfies "!=", and only against a non-null expected value.
// Equality operators compare string forms; ordering operators compare floats.
func Compare(actual any, op string, expected any) bool {
	actualStr, actualOK := types.Stringify(actual)
	expectedStr, expectedOK := types.Stringify(expected)

	if !actualOK {
		return op == OpNeq && expectedOK
	}

	switch op {
	case OpEq, OpEqEq:
		return expectedOK && actualStr == expectedStr
	case OpNeq:
		return !expectedOK || actualStr != expectedStr
	}

	a, ok := types.ToFloat(actual)
	if !ok {
		return false
	}
	b, ok := types.ToFloat(expected)
	if !ok {
		return false
	}

	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

// Fields returns the distinct field names referenced by node, in first-seen order.
func Fields(node types.LogicNode) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(types.LogicNode)
	walk = func(n types.LogicNode) {
		switch n.Kind {
		case types.NodeCondition:
			if n.Condition != nil && !seen[n.Condition.Field] {
				seen[n.Condition.Field] = true
				out = append(out, n.Condition.Field)
			}
		case types.NodeGroup:
			if n.Group == nil {
				return
			}
			for _, c := range n.Group.Children {
				walk(c)
			}
		}
	}
	walk(node)
	return out
}

// ConditionValue returns the value of the first condition on field using one
// of the given operators, or nil. Handlers use it to read selectors such as
// service_name out of a rule's logic.
func ConditionValue(node types.LogicNode, field string, ops ...string) any {
	var found any
	var walk func(types.LogicNode) bool
	walk = func(n types.LogicNode) bool {
		switch n.Kind {
		case types.NodeCondition:
			c := n.Condition
			if c == nil || c.Field != field {
				return false
			}
			if len(ops) == 0 {
				found = c.Value
				return true
			}
			for _, op := range ops {
				if c.Op == op {
					found = c.Value
					return true
				}
			}
		case types.NodeGroup:
			if n.Group == nil {
				return false
			}
			for _, child := range n.Group.Children {
				if walk(child) {
					return true
				}
			}
		}
		return false
	}
	walk(node)
	return found
}
