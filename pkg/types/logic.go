package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// LOGIC TREE
// =============================================================================

// NodeKind discriminates the LogicNode union.
type NodeKind int

const (
	// NodeInvalid is a node missing required fields. It always evaluates to false.
	NodeInvalid NodeKind = iota
	NodeCondition
	NodeGroup
)

// GroupOp combines the children of a group node.
type GroupOp string

const (
	GroupAnd GroupOp = "AND"
	GroupOr  GroupOp = "OR"
)

// LogicNode is either a Condition leaf or a Group of child nodes.
//
// Wire format:
//
//	{"field": "packet_loss", "op": ">=", "value": 100}
//	{"op": "AND", "children": [ ... ]}
type LogicNode struct {
	Kind      NodeKind
	Condition *Condition
	Group     *Group
}

// Condition compares one metric field against a value.
type Condition struct {
	Field string
	Op    string
	Value any // nil, string, bool, json.Number, float64 or int
}

// Group is an AND/OR over child nodes.
type Group struct {
	Op       GroupOp
	Children []LogicNode
}

// Cond builds a condition node.
func Cond(field, op string, value any) LogicNode {
	return LogicNode{Kind: NodeCondition, Condition: &Condition{Field: field, Op: op, Value: value}}
}

// And builds an AND group.
func And(children ...LogicNode) LogicNode {
	return LogicNode{Kind: NodeGroup, Group: &Group{Op: GroupAnd, Children: children}}
}

// Or builds an OR group.
func Or(children ...LogicNode) LogicNode {
	return LogicNode{Kind: NodeGroup, Group: &Group{Op: GroupOr, Children: children}}
}

// IsEmpty reports whether the node is invalid or a group with no children.
func (n LogicNode) IsEmpty() bool {
	switch n.Kind {
	case NodeCondition:
		return n.Condition == nil
	case NodeGroup:
		return n.Group == nil || len(n.Group.Children) == 0
	default:
		return true
	}
}

// UnmarshalJSON decodes a logic node. Decoding never fails on shape errors:
// malformed objects become NodeInvalid so they evaluate to false.
func (n *LogicNode) UnmarshalJSON(data []byte) error {
	*n = LogicNode{}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil
	}

	opRaw, hasOp := raw["op"]
	var op string
	if hasOp {
		if err := json.Unmarshal(opRaw, &op); err != nil {
			return nil
		}
	}

	if fieldRaw, ok := raw["field"]; ok {
		var field string
		if err := json.Unmarshal(fieldRaw, &field); err != nil || !hasOp {
			return nil
		}
		valueRaw, ok := raw["value"]
		if !ok {
			return nil
		}
		value, err := decodeScalar(valueRaw)
		if err != nil {
			return nil
		}
		*n = Cond(field, op, value)
		return nil
	}

	childrenRaw, ok := raw["children"]
	if !ok || !hasOp {
		return nil
	}
	var children []LogicNode
	if err := json.Unmarshal(childrenRaw, &children); err != nil {
		return nil
	}
	if children == nil {
		children = []LogicNode{}
	}
	n.Kind = NodeGroup
	n.Group = &Group{Op: GroupOp(strings.ToUpper(op)), Children: children}
	return nil
}

// MarshalJSON encodes the node in its wire format.
func (n LogicNode) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case NodeCondition:
		if n.Condition == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(struct {
			Field string `json:"field"`
			Op    string `json:"op"`
			Value any    `json:"value"`
		}{n.Condition.Field, n.Condition.Op, n.Condition.Value})
	case NodeGroup:
		if n.Group == nil {
			return []byte("{}"), nil
		}
		children := n.Group.Children
		if children == nil {
			children = []LogicNode{}
		}
		return json.Marshal(struct {
			Op       GroupOp     `json:"op"`
			Children []LogicNode `json:"children"`
		}{n.Group.Op, children})
	default:
		return []byte("{}"), nil
	}
}

// ParseLogic decodes a stored logic_json document.
func ParseLogic(data []byte) LogicNode {
	var n LogicNode
	_ = n.UnmarshalJSON(data)
	return n
}

func decodeScalar(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case nil, string, bool, json.Number:
		return v, nil
	default:
		return nil, fmt.Errorf("non-scalar condition value")
	}
}

// =============================================================================
// METRIC SNAPSHOT
// =============================================================================

// MetricSnapshot maps field names to scalar values for one target at
// evaluation time. Values are nil, string, bool or a numeric type.
type MetricSnapshot map[string]any

// Stringify renders a scalar the way conditions compare strings.
// The second return is false for nil.
func Stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case *float64:
		if x == nil {
			return "", false
		}
		return strconv.FormatFloat(*x, 'f', -1, 64), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return fmt.Sprint(x), true
	}
}

// ToFloat coerces a scalar to float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case *float64:
		if x == nil {
			return 0, false
		}
		return *x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
