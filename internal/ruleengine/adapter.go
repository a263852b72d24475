package ruleengine

// Format adapter between the two external serializations of a rule tree.
//
// The rule editor speaks {"type": "any"|"all"|"none", "conditions": [...]}
// with leaf field "attribute". The storage/API layer speaks
// {"rootGroup": {"operator": "or"|"and"|"not", "conditions": [...]}} with
// leaf field "field". Both functions below are total: they never return an
// error, degrade unknown logical tokens to AND, return nil for absent or
// unrecognized input, and pass a payload already in the target dialect
// through unchanged.

// ToStorage converts an editor-dialect payload to the storage dialect.
// nil input yields nil. A payload that already carries "rootGroup" is
// returned unchanged. A payload lacking both "rootGroup" and the editor
// "type"+"conditions" shape is unrecognized and yields nil.
func ToStorage(rule map[string]any) map[string]any {
	if rule == nil {
		return nil
	}
	if _, ok := rule["rootGroup"]; ok {
		return rule
	}
	if !isEditorGroup(rule) {
		return nil
	}
	return map[string]any{"rootGroup": editorGroupToStorage(rule)}
}

// ToEditor converts a storage-dialect payload to the editor dialect.
// nil input yields nil. A payload already in the editor shape is returned
// unchanged. A payload lacking both shapes yields nil.
func ToEditor(rule map[string]any) map[string]any {
	if rule == nil {
		return nil
	}
	if isEditorGroup(rule) {
		return rule
	}
	root, ok := rule["rootGroup"].(map[string]any)
	if !ok {
		return nil
	}
	return storageGroupToEditor(root)
}

// isEditorGroup reports whether a payload carries the editor group shape.
func isEditorGroup(m map[string]any) bool {
	_, hasType := m["type"]
	_, hasConditions := m["conditions"]
	return hasType && hasConditions
}

func editorGroupToStorage(group map[string]any) map[string]any {
	typ, _ := group["type"].(string)
	out := map[string]any{
		"operator":   editorTypeToStorageOp(typ),
		"conditions": []any{},
	}

	children, _ := group["conditions"].([]any)
	converted := make([]any, 0, len(children))
	for _, child := range children {
		node, ok := child.(map[string]any)
		if !ok {
			continue
		}
		if _, nested := node["conditions"]; nested {
			converted = append(converted, editorGroupToStorage(node))
			continue
		}
		converted = append(converted, map[string]any{
			"field":    node["attribute"],
			"operator": node["operator"],
			"value":    node["value"],
		})
	}
	out["conditions"] = converted
	return out
}

func storageGroupToEditor(group map[string]any) map[string]any {
	op, _ := group["operator"].(string)
	out := map[string]any{
		"type":       storageOpToEditorType(op),
		"conditions": []any{},
	}

	children, _ := group["conditions"].([]any)
	converted := make([]any, 0, len(children))
	for _, child := range children {
		node, ok := child.(map[string]any)
		if !ok {
			continue
		}
		if _, nested := node["conditions"]; nested {
			converted = append(converted, storageGroupToEditor(node))
			continue
		}
		converted = append(converted, map[string]any{
			"attribute": node["field"],
			"operator":  node["operator"],
			"value":     node["value"],
		})
	}
	out["conditions"] = converted
	return out
}

// editorTypeToStorageOp maps any|all|none onto or|and|not. Unknown tokens
// map to "and" so conversion is total over malformed input.
func editorTypeToStorageOp(typ string) string {
	switch typ {
	case "any":
		return "or"
	case "none":
		return "not"
	default:
		return "and"
	}
}

func storageOpToEditorType(op string) string {
	switch op {
	case "or":
		return "any"
	case "not":
		return "none"
	default:
		return "all"
	}
}
