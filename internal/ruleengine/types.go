// Package ruleengine implements the segment rule engine: a typed boolean
// expression tree over worker attributes, the two external serialization
// dialects of that tree, and type-aware evaluation of rules against
// individual worker records.
package ruleengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// LogicalOp is the combinator of a Group node.
type LogicalOp string

const (
	// OpAll matches when every child matches (AND). An empty ALL group
	// matches everyone: true is the identity element for AND.
	OpAll LogicalOp = "all"

	// OpAny matches when at least one child matches (OR). An empty ANY
	// group matches no one.
	OpAny LogicalOp = "any"

	// OpNone matches when no child matches (NOR across children, not
	// negation of a single child). An empty NONE group matches everyone.
	OpNone LogicalOp = "none"
)

// Operator is a typed comparison applied by a Condition leaf.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInList      Operator = "in_list"
	OpNotInList   Operator = "not_in_list"
)

// Node is the tagged union of rule tree nodes: a node is either a *Group
// or a *Condition, never both. Modeling this as a sum type (instead of
// probing loosely-typed maps for a "conditions" field) removes the
// group-or-leaf ambiguity from every consumer.
type Node interface {
	// isNode restricts implementations to this package.
	isNode()
}

// Group is an internal tree node combining an ordered list of children
// with a logical operator. Children are owned values, never shared
// references, so the tree is acyclic by construction.
type Group struct {
	Op       LogicalOp
	Children []Node
}

// Condition is a leaf comparing one worker attribute against a value.
// Value holds a scalar for most operators and a []any for the list
// membership operators.
type Condition struct {
	Attribute string
	Operator  Operator
	Value     any
}

func (*Group) isNode()     {}
func (*Condition) isNode() {}

// NewDefaultRule returns the canonical "new rule" starting state: an ALL
// group holding a single empty condition, matching what the rule editor
// presents when a segment is first switched to rule-based.
func NewDefaultRule() *Group {
	return &Group{
		Op:       OpAll,
		Children: []Node{&Condition{Attribute: "", Operator: OpEquals, Value: ""}},
	}
}

// Equal reports deep, order-sensitive structural equality of two trees.
// Used to avoid redundant update propagation when a rule is re-saved
// unchanged.
func Equal(a, b Node) bool {
	switch av := a.(type) {
	case *Group:
		bv, ok := b.(*Group)
		if !ok || av.Op != bv.Op || len(av.Children) != len(bv.Children) {
			return false
		}
		for i := range av.Children {
			if !Equal(av.Children[i], bv.Children[i]) {
				return false
			}
		}
		return true
	case *Condition:
		bv, ok := b.(*Condition)
		if !ok {
			return false
		}
		return av.Attribute == bv.Attribute &&
			av.Operator == bv.Operator &&
			reflect.DeepEqual(normalizeValue(av.Value), normalizeValue(bv.Value))
	case nil:
		return b == nil
	default:
		return false
	}
}

// normalizeValue maps numeric values onto float64 so trees decoded from
// JSON compare equal to trees built in code with int literals.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// storageGroup and storageCondition mirror the storage dialect's JSON
// shapes. They exist only for the codec below; the canonical model never
// carries dialect field names.
type storageGroup struct {
	Operator   string            `json:"operator"`
	Conditions []json.RawMessage `json:"conditions"`
}

type storageCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// storageEnvelope is the persisted wrapper: {"rootGroup": {...}}.
type storageEnvelope struct {
	RootGroup json.RawMessage `json:"rootGroup"`
}

// DecodeStorage parses a storage-dialect payload into the canonical tree.
// A nil, empty, or JSON-null payload decodes to a nil tree (no rule).
// Unknown logical operator tokens decode as AND so the function is total
// over structurally valid input.
func DecodeStorage(raw json.RawMessage) (*Group, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	var env storageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid rule payload: %w", err)
	}
	if len(env.RootGroup) == 0 || bytes.Equal(bytes.TrimSpace(env.RootGroup), []byte("null")) {
		return nil, nil
	}

	node, err := decodeStorageNode(env.RootGroup)
	if err != nil {
		return nil, err
	}

	group, ok := node.(*Group)
	if !ok {
		return nil, fmt.Errorf("rule root must be a group, got a condition")
	}
	return group, nil
}

// decodeStorageNode disambiguates group vs leaf by the presence of the
// "conditions" key, the discriminator both dialects share.
func decodeStorageNode(raw json.RawMessage) (Node, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid rule node: %w", err)
	}

	if _, isGroup := probe["conditions"]; isGroup {
		var sg storageGroup
		if err := json.Unmarshal(raw, &sg); err != nil {
			return nil, fmt.Errorf("invalid rule group: %w", err)
		}
		g := &Group{Op: logicalFromStorage(sg.Operator), Children: make([]Node, 0, len(sg.Conditions))}
		for _, child := range sg.Conditions {
			node, err := decodeStorageNode(child)
			if err != nil {
				return nil, err
			}
			g.Children = append(g.Children, node)
		}
		return g, nil
	}

	var sc storageCondition
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("invalid rule condition: %w", err)
	}
	return &Condition{Attribute: sc.Field, Operator: sc.Operator, Value: sc.Value}, nil
}

// EncodeStorage serializes the canonical tree into the storage dialect,
// wrapped under "rootGroup". A nil tree encodes to JSON null.
func EncodeStorage(g *Group) (json.RawMessage, error) {
	if g == nil {
		return json.RawMessage("null"), nil
	}
	root, err := encodeStorageNode(g)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]json.RawMessage{"rootGroup": root})
	if err != nil {
		return nil, fmt.Errorf("encode rule: %w", err)
	}
	return out, nil
}

func encodeStorageNode(n Node) (json.RawMessage, error) {
	switch v := n.(type) {
	case *Group:
		children := make([]json.RawMessage, 0, len(v.Children))
		for _, child := range v.Children {
			enc, err := encodeStorageNode(child)
			if err != nil {
				return nil, err
			}
			children = append(children, enc)
		}
		return json.Marshal(storageGroup{Operator: logicalToStorage(v.Op), Conditions: children})
	case *Condition:
		return json.Marshal(storageCondition{Field: v.Attribute, Operator: v.Operator, Value: v.Value})
	default:
		return nil, fmt.Errorf("unknown rule node type %T", n)
	}
}

// logicalFromStorage maps "and"/"or"/"not" onto the canonical operators.
// Unknown tokens default to AND rather than failing; malformed rules
// degrade to the strictest combinator instead of breaking evaluation.
func logicalFromStorage(op string) LogicalOp {
	switch op {
	case "or":
		return OpAny
	case "not":
		return OpNone
	default:
		return OpAll
	}
}

func logicalToStorage(op LogicalOp) string {
	switch op {
	case OpAny:
		return "or"
	case OpNone:
		return "not"
	default:
		return "and"
	}
}
