package expressions

import (
	"fmt"
	"strings"
)

// RenderMessage resolves ${...} references in a message template against a
// request scope. References are dotted paths into the scope variables, e.g.
// "${params.target}" or "${state.tokens.t1.name}". Unresolvable references
// render as "<nil>" rather than failing: approval and failure messages are
// display strings and must never block the pipeline.
func RenderMessage(template string, scope map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}
		result.WriteString(template[i : i+idx])
		i += idx

		end := strings.Index(template[i:], "}")
		if end == -1 {
			// Unterminated reference, emit literally.
			result.WriteString(template[i:])
			break
		}

		ref := template[i+2 : i+end]
		result.WriteString(formatRef(resolveRef(ref, scope)))
		i += end + 1
	}

	return result.String()
}

// resolveRef walks a dotted path through nested maps.
func resolveRef(ref string, scope map[string]any) any {
	var cur any = scope
	for _, seg := range strings.Split(strings.TrimSpace(ref), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func formatRef(v any) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return t
	case float64:
		// Render integral floats without a trailing ".0".
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
