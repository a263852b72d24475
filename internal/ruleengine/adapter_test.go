package ruleengine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// editorLeaf / editorGroup build editor-dialect payloads the way the rule
// editor emits them.
func editorLeaf(attribute, operator string, value any) map[string]any {
	return map[string]any{"attribute": attribute, "operator": operator, "value": value}
}

func editorGroup(typ string, conditions ...any) map[string]any {
	return map[string]any{"type": typ, "conditions": conditions}
}

func storageLeaf(field, operator string, value any) map[string]any {
	return map[string]any{"field": field, "operator": operator, "value": value}
}

func storageGroupPayload(op string, conditions ...any) map[string]any {
	return map[string]any{"operator": op, "conditions": conditions}
}

func TestToStorage(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  map[string]any
	}{
		{
			name:  "Should return nil for nil input",
			input: nil,
			want:  nil,
		},
		{
			name:  "Should return nil for unrecognized shape",
			input: map[string]any{"foo": "bar"},
			want:  nil,
		},
		{
			name: "Should convert a flat editor rule",
			input: editorGroup("any",
				editorLeaf("tags", "contains", "mentor"),
			),
			want: map[string]any{
				"rootGroup": storageGroupPayload("or",
					storageLeaf("tags", "contains", "mentor"),
				),
			},
		},
		{
			name: "Should convert nested groups recursively",
			input: editorGroup("all",
				editorLeaf("employment.department", "equals", "Field Operations"),
				editorGroup("none",
					editorLeaf("wellbeing.wellbeingScore", "less_than", 40),
				),
			),
			want: map[string]any{
				"rootGroup": storageGroupPayload("and",
					storageLeaf("employment.department", "equals", "Field Operations"),
					storageGroupPayload("not",
						storageLeaf("wellbeing.wellbeingScore", "less_than", 40),
					),
				),
			},
		},
		{
			name: "Should default unknown logical tokens to and",
			input: editorGroup("sometimes",
				editorLeaf("tags", "contains", "mentor"),
			),
			want: map[string]any{
				"rootGroup": storageGroupPayload("and",
					storageLeaf("tags", "contains", "mentor"),
				),
			},
		},
		{
			name: "Should pass a storage payload through unchanged",
			input: map[string]any{
				"rootGroup": storageGroupPayload("or",
					storageLeaf("tags", "contains", "mentor"),
				),
			},
			want: map[string]any{
				"rootGroup": storageGroupPayload("or",
					storageLeaf("tags", "contains", "mentor"),
				),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToStorage(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToEditor(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  map[string]any
	}{
		{
			name:  "Should return nil for nil input",
			input: nil,
			want:  nil,
		},
		{
			name:  "Should return nil when rootGroup and editor shape are both missing",
			input: map[string]any{"version": 3},
			want:  nil,
		},
		{
			name: "Should convert a storage rule back to the editor dialect",
			input: map[string]any{
				"rootGroup": storageGroupPayload("not",
					storageLeaf("engagement.appActivated", "equals", "true"),
				),
			},
			want: editorGroup("none",
				editorLeaf("engagement.appActivated", "equals", "true"),
			),
		},
		{
			name: "Should pass an editor payload through unchanged",
			input: editorGroup("all",
				editorLeaf("profile.email", "ends_with", "@crewscope.io"),
			),
			want: editorGroup("all",
				editorLeaf("profile.email", "ends_with", "@crewscope.io"),
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToEditor(tt.input)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestAdapter_SpecScenario pins the documented contract example: the
// editor ANY/contains rule converts to or/field and back exactly.
func TestAdapter_SpecScenario(t *testing.T) {
	editor := editorGroup("any", editorLeaf("tags", "contains", "mentor"))

	storage := ToStorage(editor)
	require.NotNil(t, storage)
	assert.Equal(t, map[string]any{
		"rootGroup": storageGroupPayload("or", storageLeaf("tags", "contains", "mentor")),
	}, storage)

	back := ToEditor(storage)
	assert.Equal(t, editor, back)
}

// genEditorTree produces arbitrary valid editor-dialect trees up to the
// given depth, for the round-trip and idempotence laws.
func genEditorTree(depth int) gopter.Gen {
	leaf := gopter.CombineGens(
		gen.OneConstOf("employment.department", "tags", "wellbeing.wellbeingScore", "profile.email"),
		gen.OneConstOf("equals", "not_equals", "contains", "greater_than"),
		gen.AlphaString(),
	).Map(func(vals []any) map[string]any {
		return editorLeaf(vals[0].(string), vals[1].(string), vals[2].(string))
	})

	if depth <= 0 {
		return leaf
	}

	group := gopter.CombineGens(
		gen.OneConstOf("all", "any", "none"),
		gen.SliceOfN(2, genEditorTree(depth-1)),
	).Map(func(vals []any) map[string]any {
		children := vals[1].([]map[string]any)
		anyChildren := make([]any, len(children))
		for i, c := range children {
			anyChildren[i] = c
		}
		return editorGroup(vals[0].(string), anyChildren...)
	})

	return gen.Weighted([]gen.WeightedGen{
		{Weight: 2, Gen: leaf.Map(func(l map[string]any) map[string]any {
			return editorGroup("all", l)
		})},
		{Weight: 1, Gen: group},
	})
}

func TestAdapter_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("toEditor(toStorage(t)) == t", prop.ForAll(
		func(tree map[string]any) bool {
			got := ToEditor(ToStorage(tree))
			return assert.ObjectsAreEqual(tree, got)
		},
		genEditorTree(3),
	))

	properties.Property("toStorage(toEditor(s)) == s", prop.ForAll(
		func(tree map[string]any) bool {
			storage := ToStorage(tree)
			return assert.ObjectsAreEqual(storage, ToStorage(ToEditor(storage)))
		},
		genEditorTree(3),
	))

	properties.Property("toStorage is idempotent", prop.ForAll(
		func(tree map[string]any) bool {
			once := ToStorage(tree)
			return assert.ObjectsAreEqual(once, ToStorage(once))
		},
		genEditorTree(3),
	))

	properties.Property("toEditor is idempotent", prop.ForAll(
		func(tree map[string]any) bool {
			once := ToEditor(ToStorage(tree))
			return assert.ObjectsAreEqual(once, ToEditor(once))
		},
		genEditorTree(3),
	))

	properties.TestingRun(t)
}
