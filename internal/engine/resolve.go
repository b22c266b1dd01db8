package engine

import (
	"fmt"
	"maps"

	"github.com/Tahsine/agentic-cli/internal/plan"
)

// resolveParams substitutes @results.<step>.<key> placeholders with the
// bound outputs of earlier steps. Unknown references resolve to "". Nested
// maps and lists are resolved too; non-string values are kept.
func resolveParams(params map[string]any, bindings map[string]map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for key, val := range params {
		resolved[key] = resolveValue(val, bindings)
	}
	return resolved
}

func resolveValue(v any, bindings map[string]map[string]any) any {
	switch t := v.(type) {
	case string:
		return plan.ResultRef.ReplaceAllStringFunc(t, func(match string) string {
			sub := plan.ResultRef.FindStringSubmatch(match)
			if len(sub) != 3 {
				return ""
			}
			stepID, outKey := sub[1], sub[2]
			if out, ok := bindings[stepID]; ok {
				if v, ok := out[outKey]; ok {
					return stringify(v)
				}
			}
			return ""
		})
	case map[string]any:
		return resolveParams(t, bindings)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, bindings)
		}
		return out
	default:
		return v
	}
}

// stringify renders lists, such as research sources, one item per line.
func stringify(v any) string {
	if list, ok := v.([]any); ok {
		var s string
		for i, item := range list {
			if i > 0 {
				s += "\n"
			}
			s += fmt.Sprintf("%v", item)
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

// resolveStep returns a copy of s, children included, with resolved params.
func resolveStep(s plan.Step, bindings map[string]map[string]any) plan.Step {
	s.Params = resolveParams(s.Params, bindings)
	if len(s.Steps) > 0 {
		children := make([]plan.Step, len(s.Steps))
		for i, c := range s.Steps {
			children[i] = c
			children[i].Params = maps.Clone(c.Params)
		}
		s.Steps = children
	}
	return s
}
