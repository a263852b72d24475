package ruleengine

// Evaluate recursively evaluates a rule tree against a worker's attribute
// map. A nil rule matches everyone, consistent with an empty ALL group.
//
// Combinator semantics, with empty-children identities:
//   - all:  true iff every child matches;  empty => true
//   - any:  true iff some child matches;   empty => false
//   - none: true iff no child matches;     empty => true
//
// none is NOR across children, matching the editor's "none of the
// following" framing, not negation of a single child.
//
// Evaluation short-circuits left to right: all stops on the first false
// child, any on the first true child, none on the first true child.
func Evaluate(reg *Registry, rule *Group, attrs map[string]any) bool {
	if rule == nil {
		return true
	}
	return evalGroup(reg, rule, attrs)
}

func evalGroup(reg *Registry, g *Group, attrs map[string]any) bool {
	switch g.Op {
	case OpAny:
		for _, child := range g.Children {
			if evalNode(reg, child, attrs) {
				return true
			}
		}
		return false
	case OpNone:
		for _, child := range g.Children {
			if evalNode(reg, child, attrs) {
				return false
			}
		}
		return true
	default: // OpAll
		for _, child := range g.Children {
			if !evalNode(reg, child, attrs) {
				return false
			}
		}
		return true
	}
}

func evalNode(reg *Registry, n Node, attrs map[string]any) bool {
	switch node := n.(type) {
	case *Group:
		return evalGroup(reg, node, attrs)
	case *Condition:
		return EvalCondition(reg, node, attrs)
	default:
		return false
	}
}

// ConditionResult reports whether one leaf condition individually passed,
// for "why did/didn't this worker match" explanations.
type ConditionResult struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
	Matched   bool     `json:"matched"`
}

// Explanation is the full explain report for one worker and one rule.
// Matched always equals Evaluate's result for the same pair: both paths go
// through EvalCondition, and the group combinators are computed from the
// same leaf results.
type Explanation struct {
	Matched    bool              `json:"matched"`
	Conditions []ConditionResult `json:"conditions"`
}

// Explain evaluates the rule and reports the individual outcome of every
// leaf condition. Unlike Evaluate it never short-circuits, so the report
// covers all leaves, including those a short-circuit would have skipped.
func Explain(reg *Registry, rule *Group, attrs map[string]any) Explanation {
	if rule == nil {
		return Explanation{Matched: true}
	}

	exp := Explanation{Conditions: []ConditionResult{}}
	exp.Matched = explainGroup(reg, rule, attrs, &exp.Conditions)
	return exp
}

func explainGroup(reg *Registry, g *Group, attrs map[string]any, results *[]ConditionResult) bool {
	// Every child is evaluated before combining, so leaf results for the
	// whole tree are recorded regardless of the combinator's outcome.
	childMatches := make([]bool, len(g.Children))
	for i, child := range g.Children {
		switch node := child.(type) {
		case *Group:
			childMatches[i] = explainGroup(reg, node, attrs, results)
		case *Condition:
			matched := EvalCondition(reg, node, attrs)
			*results = append(*results, ConditionResult{
				Attribute: node.Attribute,
				Operator:  node.Operator,
				Value:     node.Value,
				Matched:   matched,
			})
			childMatches[i] = matched
		}
	}

	switch g.Op {
	case OpAny:
		for _, m := range childMatches {
			if m {
				return true
			}
		}
		return false
	case OpNone:
		for _, m := range childMatches {
			if m {
				return false
			}
		}
		return true
	default: // OpAll
		for _, m := range childMatches {
			if !m {
				return false
			}
		}
		return true
	}
}
