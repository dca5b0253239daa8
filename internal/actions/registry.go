package actions

import (
	"slices"
	"strings"
	"sync"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Registry maps each action type to its handler. It is safe for concurrent
// use; handlers are normally registered once at startup by
// NewBuiltinRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.ActionType]Action
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.ActionType]Action)}
}

// Register installs the handler for its declared type. Only the closed set
// of action types is accepted, each at most once.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil action handler")
	}
	t := action.Type()
	if !t.Known() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[t]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "a handler for %q is already registered", t)
	}
	r.handlers[t] = action
	return nil
}

// Get returns the handler for t, or ACTION_UNAVAILABLE.
func (r *Registry) Get(t schema.ActionType) (Action, error) {
	r.mu.RLock()
	h := r.handlers[t]
	r.mu.RUnlock()
	if h == nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "no handler registered for %q", t)
	}
	return h, nil
}

func (r *Registry) Has(t schema.ActionType) bool {
	_, err := r.Get(t)
	return err == nil
}

// List describes every registered handler, ordered by type.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	infos := make([]ActionInfo, 0, len(r.handlers))
	for t, h := range r.handlers {
		infos = append(infos, ActionInfo{Type: t, Description: h.Schema().Description})
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b ActionInfo) int { return strings.Compare(string(a.Type), string(b.Type)) })
	return infos
}

// Missing returns the action types without a handler, in declaration order.
func (r *Registry) Missing() []schema.ActionType {
	return slices.DeleteFunc(slices.Clone(schema.AllActionTypes), r.Has)
}

// Schemas returns the published config schema of each handler that has one.
func (r *Registry) Schemas() map[schema.ActionType][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[schema.ActionType][]byte, len(r.handlers))
	for t, h := range r.handlers {
		if s := h.Schema().InputSchema; len(s) > 0 {
			out[t] = s
		}
	}
	return out
}

// ValidateConfig runs the config rules of the handler for a.Type.
func (r *Registry) ValidateConfig(a schema.Action) error {
	h, err := r.Get(a.Type)
	if err != nil {
		return err
	}
	return h.Validate(a.Config)
}

var _ ActionRegistry = (*Registry)(nil)
