package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// fieldOpsWorkers are the workers used by the matching scenarios:
// W1 matches department+score, W2 only department, W3 neither.
func fieldOpsWorkers() map[string]map[string]any {
	return map[string]map[string]any{
		"W1": {
			"employment": map[string]any{"department": "Field Operations"},
			"wellbeing":  map[string]any{"wellbeingScore": float64(82)},
		},
		"W2": {
			"employment": map[string]any{"department": "Field Operations"},
			"wellbeing":  map[string]any{"wellbeingScore": float64(40)},
		},
		"W3": {
			"employment": map[string]any{"department": "Finance"},
			"wellbeing":  map[string]any{"wellbeingScore": float64(90)},
		},
	}
}

func fieldOpsConditions() []Node {
	return []Node{
		&Condition{Attribute: "employment.department", Operator: OpEquals, Value: "Field Operations"},
		&Condition{Attribute: "wellbeing.wellbeingScore", Operator: OpGreaterThan, Value: float64(70)},
	}
}

func TestEvaluate_EmptyGroupIdentities(t *testing.T) {
	reg := DefaultRegistry()
	worker := map[string]any{"tags": []any{"mentor"}}

	tests := []struct {
		name string
		op   LogicalOp
		want bool
	}{
		{name: "Should match everyone for empty all group", op: OpAll, want: true},
		{name: "Should match no one for empty any group", op: OpAny, want: false},
		{name: "Should match everyone for empty none group", op: OpNone, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(reg, &Group{Op: tt.op}, worker)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_NilRuleMatchesEveryone(t *testing.T) {
	assert.True(t, Evaluate(DefaultRegistry(), nil, map[string]any{}))
}

func TestEvaluate_AllScenario(t *testing.T) {
	reg := DefaultRegistry()
	rule := &Group{Op: OpAll, Children: fieldOpsConditions()}

	matched := []string{}
	for id, attrs := range fieldOpsWorkers() {
		if Evaluate(reg, rule, attrs) {
			matched = append(matched, id)
		}
	}

	assert.ElementsMatch(t, []string{"W1"}, matched)
}

// TestEvaluate_NoneScenario verifies NONE is NOR across children: a worker
// matching even one sub-condition is excluded, so only W3 (neither
// condition true) matches.
func TestEvaluate_NoneScenario(t *testing.T) {
	reg := DefaultRegistry()
	rule := &Group{Op: OpNone, Children: fieldOpsConditions()}

	matched := []string{}
	for id, attrs := range fieldOpsWorkers() {
		if Evaluate(reg, rule, attrs) {
			matched = append(matched, id)
		}
	}

	assert.ElementsMatch(t, []string{"W3"}, matched)
}

func TestEvaluate_NestedGroups(t *testing.T) {
	reg := DefaultRegistry()

	// department == "Field Operations" AND (score > 70 OR tag "priority")
	rule := &Group{Op: OpAll, Children: []Node{
		&Condition{Attribute: "employment.department", Operator: OpEquals, Value: "Field Operations"},
		&Group{Op: OpAny, Children: []Node{
			&Condition{Attribute: "wellbeing.wellbeingScore", Operator: OpGreaterThan, Value: float64(70)},
			&Condition{Attribute: "tags", Operator: OpContains, Value: "priority"},
		}},
	}}

	tests := []struct {
		name  string
		attrs map[string]any
		want  bool
	}{
		{
			name: "Should match via the score branch",
			attrs: map[string]any{
				"employment": map[string]any{"department": "Field Operations"},
				"wellbeing":  map[string]any{"wellbeingScore": float64(82)},
			},
			want: true,
		},
		{
			name: "Should match via the tag branch",
			attrs: map[string]any{
				"employment": map[string]any{"department": "Field Operations"},
				"wellbeing":  map[string]any{"wellbeingScore": float64(10)},
				"tags":       []any{"priority"},
			},
			want: true,
		},
		{
			name: "Should not match when the outer all fails",
			attrs: map[string]any{
				"employment": map[string]any{"department": "Finance"},
				"wellbeing":  map[string]any{"wellbeingScore": float64(90)},
			},
			want: false,
		},
		{
			name: "Should not match when both inner branches fail",
			attrs: map[string]any{
				"employment": map[string]any{"department": "Field Operations"},
				"wellbeing":  map[string]any{"wellbeingScore": float64(40)},
				"tags":       []any{"mentor"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(reg, rule, tt.attrs))
		})
	}
}

func TestExplain(t *testing.T) {
	reg := DefaultRegistry()
	rule := &Group{Op: OpAll, Children: fieldOpsConditions()}

	t.Run("Should report per-condition results for a partial match", func(t *testing.T) {
		attrs := fieldOpsWorkers()["W2"]

		exp := Explain(reg, rule, attrs)

		assert.False(t, exp.Matched)
		assert.Len(t, exp.Conditions, 2)
		assert.True(t, exp.Conditions[0].Matched, "department condition should pass for W2")
		assert.False(t, exp.Conditions[1].Matched, "score condition should fail for W2")
	})

	t.Run("Should report all leaves even when short-circuit would skip them", func(t *testing.T) {
		attrs := fieldOpsWorkers()["W3"]

		exp := Explain(reg, rule, attrs)

		// Evaluate stops at the first false child of an all group; the
		// explanation still covers both leaves.
		assert.Len(t, exp.Conditions, 2)
	})

	t.Run("Should agree with Evaluate for every worker", func(t *testing.T) {
		rules := []*Group{
			rule,
			{Op: OpNone, Children: fieldOpsConditions()},
			{Op: OpAny, Children: fieldOpsConditions()},
			{Op: OpAll},
			nil,
		}

		for _, r := range rules {
			for id, attrs := range fieldOpsWorkers() {
				assert.Equal(t, Evaluate(reg, r, attrs), Explain(reg, r, attrs).Matched,
					"explain disagrees with evaluate for worker %s", id)
			}
		}
	})
}
