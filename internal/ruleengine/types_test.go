package ruleengine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStorage(t *testing.T) {
	t.Run("Should decode nil and null payloads to a nil tree", func(t *testing.T) {
		for _, raw := range []json.RawMessage{nil, json.RawMessage("null"), json.RawMessage(`{"rootGroup": null}`)} {
			tree, err := DecodeStorage(raw)
			require.NoError(t, err)
			assert.Nil(t, tree)
		}
	})

	t.Run("Should decode nested groups and leaves", func(t *testing.T) {
		raw := json.RawMessage(`{
			"rootGroup": {
				"operator": "and",
				"conditions": [
					{"field": "employment.department", "operator": "equals", "value": "Field Operations"},
					{"operator": "not", "conditions": [
						{"field": "tags", "operator": "contains", "value": "alumni"}
					]}
				]
			}
		}`)

		tree, err := DecodeStorage(raw)
		require.NoError(t, err)
		require.NotNil(t, tree)

		assert.Equal(t, OpAll, tree.Op)
		require.Len(t, tree.Children, 2)

		leaf, ok := tree.Children[0].(*Condition)
		require.True(t, ok)
		assert.Equal(t, "employment.department", leaf.Attribute)
		assert.Equal(t, OpEquals, leaf.Operator)

		nested, ok := tree.Children[1].(*Group)
		require.True(t, ok)
		assert.Equal(t, OpNone, nested.Op)
		require.Len(t, nested.Children, 1)
	})

	t.Run("Should default unknown operator tokens to all", func(t *testing.T) {
		raw := json.RawMessage(`{"rootGroup": {"operator": "xor", "conditions": []}}`)

		tree, err := DecodeStorage(raw)
		require.NoError(t, err)
		assert.Equal(t, OpAll, tree.Op)
	})

	t.Run("Should reject a condition at the root", func(t *testing.T) {
		raw := json.RawMessage(`{"rootGroup": {"field": "tags", "operator": "contains", "value": "x"}}`)

		_, err := DecodeStorage(raw)
		assert.Error(t, err)
	})

	t.Run("Should reject malformed JSON", func(t *testing.T) {
		_, err := DecodeStorage(json.RawMessage(`{"rootGroup": `))
		assert.Error(t, err)
	})
}

func TestEncodeStorage_RoundTrip(t *testing.T) {
	rule := &Group{Op: OpAny, Children: []Node{
		&Condition{Attribute: "tags", Operator: OpContains, Value: "mentor"},
		&Group{Op: OpAll, Children: []Node{
			&Condition{Attribute: "wellbeing.wellbeingScore", Operator: OpGreaterThan, Value: float64(70)},
			&Condition{Attribute: "employment.department", Operator: OpInList, Value: []any{"Finance", "Sales"}},
		}},
	}}

	encoded, err := EncodeStorage(rule)
	require.NoError(t, err)

	decoded, err := DecodeStorage(encoded)
	require.NoError(t, err)

	assert.True(t, Equal(rule, decoded), "decode(encode(rule)) must be structurally equal to rule")
}

func TestEncodeStorage_NilRule(t *testing.T) {
	encoded, err := EncodeStorage(nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), encoded)
}

func TestEqual(t *testing.T) {
	base := func() *Group {
		return &Group{Op: OpAll, Children: []Node{
			&Condition{Attribute: "tags", Operator: OpContains, Value: "mentor"},
			&Group{Op: OpNone, Children: []Node{
				&Condition{Attribute: "wellbeing.wellbeingScore", Operator: OpLessThan, Value: 40},
			}},
		}}
	}

	t.Run("Should equal an identical tree", func(t *testing.T) {
		assert.True(t, Equal(base(), base()))
	})

	t.Run("Should normalize numeric encodings", func(t *testing.T) {
		a := base()
		b := base()
		b.Children[1].(*Group).Children[0].(*Condition).Value = float64(40)
		assert.True(t, Equal(a, b))
	})

	t.Run("Should be order-sensitive", func(t *testing.T) {
		a := base()
		b := base()
		b.Children[0], b.Children[1] = b.Children[1], b.Children[0]
		assert.False(t, Equal(a, b))
	})

	t.Run("Should distinguish operators", func(t *testing.T) {
		a := base()
		b := base()
		b.Op = OpAny
		assert.False(t, Equal(a, b))
	})

	t.Run("Should distinguish group from condition", func(t *testing.T) {
		assert.False(t, Equal(&Group{Op: OpAll}, &Condition{Attribute: "tags"}))
	})
}

func TestNewDefaultRule(t *testing.T) {
	rule := NewDefaultRule()

	assert.Equal(t, OpAll, rule.Op)
	require.Len(t, rule.Children, 1)
	_, isCondition := rule.Children[0].(*Condition)
	assert.True(t, isCondition)
}

func TestFingerprint(t *testing.T) {
	rule := &Group{Op: OpAll, Children: []Node{
		&Condition{Attribute: "tags", Operator: OpContains, Value: "mentor"},
	}}

	t.Run("Should be stable for equal trees", func(t *testing.T) {
		same := &Group{Op: OpAll, Children: []Node{
			&Condition{Attribute: "tags", Operator: OpContains, Value: "mentor"},
		}}
		assert.Equal(t, Fingerprint(rule), Fingerprint(same))
	})

	t.Run("Should differ when the rule differs", func(t *testing.T) {
		other := &Group{Op: OpAny, Children: []Node{
			&Condition{Attribute: "tags", Operator: OpContains, Value: "mentor"},
		}}
		assert.NotEqual(t, Fingerprint(rule), Fingerprint(other))
	})

	t.Run("Should hash a nil rule to zero", func(t *testing.T) {
		assert.Zero(t, Fingerprint(nil))
	})
}
