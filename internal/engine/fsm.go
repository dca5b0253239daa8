package engine

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by the FSM to emit events on
// transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions: running to exactly one of
// completed, failed or skipped.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Start emits the run_started event for a freshly created run.
func (f *RunFSM) Start(ctx context.Context, runID string, payload map[string]any) error {
	return f.emit(ctx, runID, "", schema.EventRunStarted, payload)
}

// Transition validates and executes a run state transition and emits the
// matching event. The caller persists the new state.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload map[string]any) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if err := f.emit(ctx, runID, "", schema.EventForRun(to), payload); err != nil {
		return err
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// RecordAction emits the event for one action result.
func (f *RunFSM) RecordAction(ctx context.Context, runID string, r schema.ActionResult) error {
	payload := map[string]any{
		"actionType": string(r.ActionType),
		"durationMs": r.DurationMs,
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	return f.emit(ctx, runID, r.ActionID, schema.EventForAction(r.Status), payload)
}

func (f *RunFSM) emit(ctx context.Context, runID, actionID, eventType string, payload map[string]any) error {
	if f.appender == nil {
		return nil
	}
	event := &store.Event{RunID: runID, ActionID: actionID, Type: eventType}
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %v", eventType, err)
		}
		event.Payload = b
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", eventType, err.Error()).
			WithAction(actionID).WithCause(err)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusSkipped},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusSkipped:   {},
}
