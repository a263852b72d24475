package ruleengine

import "fmt"

// Issue describes one validation failure inside a rule tree. Path is a
// human-readable locator like "rootGroup.conditions[1]".
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Issue codes. Machine-readable so the editor can highlight the offending
// condition.
const (
	IssueUnknownAttribute = "UNKNOWN_ATTRIBUTE"
	IssueMissingAttribute = "MISSING_ATTRIBUTE"
	IssueIllegalOperator  = "ILLEGAL_OPERATOR"
	IssueBadValueShape    = "BAD_VALUE_SHAPE"
	IssueEmptyRule        = "EMPTY_RULE"
)

// Validate checks a rule tree against the registry and returns every issue
// found. Evaluation assumes validated input: a rule that passes Validate
// never causes the evaluator to error.
//
// A nil tree and a root group with no conditions both report EMPTY_RULE;
// the evaluator deliberately accepts empty groups (identity semantics),
// but an empty rule is not complete enough to save.
func Validate(reg *Registry, rule *Group) []Issue {
	if rule == nil {
		return []Issue{{Path: "rootGroup", Code: IssueEmptyRule, Message: "rule has no root group"}}
	}

	issues := validateGroup(reg, rule, "rootGroup")
	if len(rule.Children) == 0 {
		issues = append(issues, Issue{
			Path:    "rootGroup",
			Code:    IssueEmptyRule,
			Message: "rule must have at least one condition",
		})
	}
	return issues
}

func validateGroup(reg *Registry, g *Group, path string) []Issue {
	var issues []Issue
	for i, child := range g.Children {
		childPath := fmt.Sprintf("%s.conditions[%d]", path, i)
		switch node := child.(type) {
		case *Group:
			issues = append(issues, validateGroup(reg, node, childPath)...)
		case *Condition:
			issues = append(issues, validateCondition(reg, node, childPath)...)
		}
	}
	return issues
}

func validateCondition(reg *Registry, c *Condition, path string) []Issue {
	if c.Attribute == "" {
		return []Issue{{Path: path, Code: IssueMissingAttribute, Message: "condition has no attribute"}}
	}

	spec, known := reg.Lookup(c.Attribute)
	if !known {
		return []Issue{{
			Path:    path,
			Code:    IssueUnknownAttribute,
			Message: fmt.Sprintf("unknown attribute %q", c.Attribute),
		}}
	}

	var issues []Issue
	if !reg.OperatorLegal(c.Attribute, c.Operator) {
		issues = append(issues, Issue{
			Path:    path,
			Code:    IssueIllegalOperator,
			Message: fmt.Sprintf("operator %q is not legal for %s attribute %q", c.Operator, spec.Type, c.Attribute),
		})
	}

	if shapeIssue := checkValueShape(c, path); shapeIssue != nil {
		issues = append(issues, *shapeIssue)
	}
	return issues
}

// checkValueShape enforces the operator/value contract: list-membership
// operators require an array value, every other operator a scalar.
func checkValueShape(c *Condition, path string) *Issue {
	_, isList := c.Value.([]any)

	switch c.Operator {
	case OpInList, OpNotInList:
		if !isList {
			return &Issue{
				Path:    path,
				Code:    IssueBadValueShape,
				Message: fmt.Sprintf("operator %q requires an array value", c.Operator),
			}
		}
	default:
		if isList {
			return &Issue{
				Path:    path,
				Code:    IssueBadValueShape,
				Message: fmt.Sprintf("operator %q requires a scalar value", c.Operator),
			}
		}
	}
	return nil
}
