package expressions

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Substitute replaces {{client.<path>}} and {{trigger.<path>}} placeholders in
// template. A placeholder whose path is undefined, null, or in any other
// namespace is left in the output verbatim, braces included.
func Substitute(template string, ns Namespaces) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unclosed: the remainder is plain text.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		token := template[i+idx : end+2]
		path := strings.TrimSpace(template[start:end])

		if val, ok := resolvePlaceholder(path, ns); ok {
			result.WriteString(marshalInline(val))
		} else {
			result.WriteString(token)
		}

		i = end + 2
	}

	return result.String()
}

// Placeholders returns the distinct paths referenced by template in order of
// first appearance.
func Placeholders(template string) []string {
	var out []string
	seen := make(map[string]bool)
	rest := template
	for {
		idx := strings.Index(rest, "{{")
		if idx == -1 {
			return out
		}
		rest = rest[idx+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return out
		}
		path := strings.TrimSpace(rest[:end])
		if path != "" && !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
		rest = rest[end+2:]
	}
}

func resolvePlaceholder(path string, ns Namespaces) (any, bool) {
	namespace, _, _ := strings.Cut(path, ".")
	if namespace != NamespaceClient && namespace != NamespaceTrigger {
		return nil, false
	}
	return ns.Resolve(path)
}

// marshalInline converts a resolved value into its textual form. Strings are
// written as-is, scalars with their natural formatting, and maps or slices
// JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}

// RenderContext formats a payload as sorted "key: value" lines.
func RenderContext(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return Stringify(data)
	}
	var b strings.Builder
	for i, k := range mapKeys(m) {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(marshalInline(m[k]))
	}
	return b.String()
}
