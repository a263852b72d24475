package ruleengine

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EvalCondition evaluates one leaf condition against a worker's attribute
// map. It is total: it assumes the rule passed Validate and never errors.
// An attribute that is absent on the worker, or whose value cannot be
// coerced to the declared type, fails every operator except not_equals and
// not_contains, which succeed (an absent value differs from everything).
func EvalCondition(reg *Registry, c *Condition, attrs map[string]any) bool {
	spec, known := reg.Lookup(c.Attribute)
	if !known {
		// Validation rejects unknown attributes before evaluation; if one
		// slips through (e.g. registry shrank), treat the value as absent.
		return absentResult(c.Operator)
	}

	value, found := resolvePath(attrs, c.Attribute)
	if !found || value == nil {
		return absentResult(c.Operator)
	}

	switch spec.Type {
	case TypeString:
		return evalString(c, value)
	case TypeNumber:
		return evalNumber(c, value)
	case TypeBoolean:
		return evalBoolean(c, value)
	case TypeDate:
		return evalDate(c, value)
	case TypeArray:
		return evalArray(c, value)
	case TypeObject:
		return evalObject(c, value)
	default:
		return absentResult(c.Operator)
	}
}

// absentResult applies the absent-attribute policy for an operator.
func absentResult(op Operator) bool {
	return op == OpNotEquals || op == OpNotContains
}

// resolvePath walks a dotted path through nested maps. Only map nesting is
// traversed; a scalar or array met before the final segment means the path
// does not exist on this worker.
func resolvePath(attrs map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = attrs
	for _, seg := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func evalString(c *Condition, value any) bool {
	s, ok := value.(string)
	if !ok {
		return absentResult(c.Operator)
	}

	switch c.Operator {
	case OpEquals:
		return s == asString(c.Value)
	case OpNotEquals:
		return s != asString(c.Value)
	case OpContains:
		return strings.Contains(s, asString(c.Value))
	case OpNotContains:
		return !strings.Contains(s, asString(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(s, asString(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(s, asString(c.Value))
	case OpInList:
		return stringInList(s, c.Value)
	case OpNotInList:
		return !stringInList(s, c.Value)
	default:
		return false
	}
}

func evalNumber(c *Condition, value any) bool {
	n, ok := toFloat64(value)
	if !ok {
		// Malformed numeric input on the worker side counts as absent.
		return absentResult(c.Operator)
	}
	target, ok := toFloat64(c.Value)
	if !ok {
		return absentResult(c.Operator)
	}

	switch c.Operator {
	case OpEquals:
		return n == target
	case OpNotEquals:
		return n != target
	case OpGreaterThan:
		return n > target
	case OpLessThan:
		return n < target
	default:
		return false
	}
}

func evalBoolean(c *Condition, value any) bool {
	b, ok := value.(bool)
	if !ok {
		return absentResult(c.Operator)
	}
	target, ok := toBool(c.Value)
	if !ok {
		return absentResult(c.Operator)
	}

	switch c.Operator {
	case OpEquals:
		return b == target
	case OpNotEquals:
		return b != target
	default:
		return false
	}
}

func evalDate(c *Condition, value any) bool {
	t, ok := toTime(value)
	if !ok {
		return absentResult(c.Operator)
	}
	target, ok := toTime(c.Value)
	if !ok {
		return absentResult(c.Operator)
	}

	switch c.Operator {
	case OpEquals:
		return t.Equal(target)
	case OpNotEquals:
		return !t.Equal(target)
	case OpGreaterThan:
		return t.After(target)
	case OpLessThan:
		return t.Before(target)
	default:
		return false
	}
}

// evalArray handles worker attributes that are themselves lists (tags).
// contains tests element membership of the condition's scalar; in_list
// tests whether any worker element appears in the condition's list.
func evalArray(c *Condition, value any) bool {
	elems, ok := value.([]any)
	if !ok {
		return absentResult(c.Operator)
	}

	switch c.Operator {
	case OpContains:
		return anyElementEquals(elems, c.Value)
	case OpNotContains:
		return !anyElementEquals(elems, c.Value)
	case OpInList:
		return anyElementInList(elems, c.Value)
	case OpNotInList:
		return !anyElementInList(elems, c.Value)
	default:
		return false
	}
}

// evalObject compares free-form custom fields by deep equality of the
// JSON values. Substring and ordering operators are rejected at
// validation; only equality reaches here.
func evalObject(c *Condition, value any) bool {
	switch c.Operator {
	case OpEquals:
		return reflect.DeepEqual(normalizeValue(value), normalizeValue(c.Value))
	case OpNotEquals:
		return !reflect.DeepEqual(normalizeValue(value), normalizeValue(c.Value))
	default:
		return false
	}
}

// --- coercion helpers ---

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func stringInList(s string, list any) bool {
	elems, ok := list.([]any)
	if !ok {
		return false
	}
	for _, e := range elems {
		if es, ok := e.(string); ok && es == s {
			return true
		}
	}
	return false
}

// toFloat64 coerces JSON-shaped numeric values, including numeric strings,
// to float64. A string that does not parse is not a number.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// toBool accepts booleans and the editor's string-encoded "true"/"false".
func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// dateLayouts are the accepted worker/condition date encodings, tried in
// order. RFC3339 covers API timestamps; the short form covers date-only
// fields like employment.startDate.
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	case float64:
		// Numeric timestamps arrive as epoch seconds.
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}

// anyElementEquals reports whether target equals any element, with numeric
// normalization so 70 matches 70.0.
func anyElementEquals(elems []any, target any) bool {
	norm := normalizeValue(target)
	for _, e := range elems {
		if reflect.DeepEqual(normalizeValue(e), norm) {
			return true
		}
	}
	return false
}

// anyElementInList reports whether any worker element appears in the
// condition's value list.
func anyElementInList(elems []any, list any) bool {
	targets, ok := list.([]any)
	if !ok {
		return false
	}
	for _, e := range elems {
		if anyElementEquals(targets, e) {
			return true
		}
	}
	return false
}
