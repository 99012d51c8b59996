package blackboard

import "strings"

// getNestedValue and setNestedValue are carried over near verbatim from
// station/internal/workflows/runtime/starlark_eval.go's GetNestedValue/
// SetNestedValue: dotted-path traversal over map[string]any, the
// lingua franca both the template engine and the Starlark condition
// evaluator use to address blackboard state.
func getNestedValue(data map[string]any, path string) (any, bool) {
	if path == "" {
		return data, true
	}

	parts := strings.Split(path, ".")
	var current any = data

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := m[part]
		if !ok {
			return nil, false
		}
		current = val
	}

	return current, true
}

func setNestedValue(data map[string]any, path string, value any) {
	if path == "" {
		return
	}

	parts := strings.Split(path, ".")
	current := data

	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}

	current[parts[len(parts)-1]] = value
}
