package expressions

import (
	"strconv"
	"strings"
	"time"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Namespace prefixes understood by the resolver.
const (
	NamespaceClient  = "client"
	NamespaceTrigger = "trigger"
	NamespaceTime    = "time"
)

// Namespaces is the data visible to conditions and templates for one action:
// the run's entity snapshot, the trigger payload and the evaluation moment.
type Namespaces struct {
	Client  map[string]any // nil when the run has no entity
	Trigger map[string]any
	Now     time.Time
}

// NewNamespaces builds Namespaces from a snapshot (may be nil) and a trigger
// payload. The payload is deep-copied so later mutation by the caller is not
// observed.
func NewNamespaces(snapshot *schema.EntitySnapshot, trigger map[string]any, now time.Time) Namespaces {
	return Namespaces{
		Client:  snapshot.Fields(),
		Trigger: deepCopyMap(trigger),
		Now:     now,
	}
}

// At returns a copy of n evaluated at a different moment.
func (n Namespaces) At(now time.Time) Namespaces {
	n.Now = now
	return n
}

// TimeFields exposes the clock fields: hour (0-23), dayOfWeek (0=Sunday)
// and date (YYYY-MM-DD).
func (n Namespaces) TimeFields() map[string]any {
	return map[string]any{
		"hour":      n.Now.Hour(),
		"dayOfWeek": int(n.Now.Weekday()),
		"date":      n.Now.Format("2006-01-02"),
	}
}

// Resolve looks up a namespaced dotted path. The second return is false
// when the value is undefined: unknown namespace, no snapshot for client.*,
// a missing key, or a nil segment before the end of the path.
func (n Namespaces) Resolve(path string) (any, bool) {
	ns, rest, _ := strings.Cut(strings.TrimSpace(path), ".")
	if rest == "" {
		return nil, false
	}

	switch ns {
	case NamespaceClient:
		if n.Client == nil {
			return nil, false
		}
		return traversePath(n.Client, rest)
	case NamespaceTrigger:
		return traversePath(n.Trigger, rest)
	case NamespaceTime:
		v, ok := n.TimeFields()[rest]
		return v, ok
	default:
		return nil, false
	}
}

// Activation returns the variables handed to CEL programs.
func (n Namespaces) Activation() map[string]any {
	client := n.Client
	if client == nil {
		client = map[string]any{}
	}
	trigger := n.Trigger
	if trigger == nil {
		trigger = map[string]any{}
	}
	return map[string]any{
		NamespaceClient:  client,
		NamespaceTrigger: trigger,
		NamespaceTime:    n.TimeFields(),
	}
}

// traversePath walks nested maps and slices. A direct key lookup is tried
// first so keys containing dots still resolve.
func traversePath(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	if v, ok := root[path]; ok {
		return v, v != nil
	}

	var current any = root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" || current == nil {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}

	if current == nil {
		return nil, false
	}
	return current, true
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyAny(v)
	}
	return out
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyAny(item)
		}
		return out
	default:
		return v
	}
}
