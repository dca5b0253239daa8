package actions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dario.cat/mergo"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Action is the handler for one action type.
type Action interface {
	Type() schema.ActionType
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(config json.RawMessage) error
}

// ActionRegistry manages the lookup of available action handlers.
type ActionRegistry interface {
	Register(action Action) error
	Get(t schema.ActionType) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the config contract of an action type.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to a handler at execution time.
type ActionInput struct {
	TenantID     string
	UserID       string
	WorkflowID   string
	WorkflowName string
	RunID        string
	Action       schema.Action
	// Entity is the run's snapshot; nil for runs without an entity.
	Entity      *schema.EntitySnapshot
	TriggerData map[string]any
	Vars        expressions.Namespaces
	Now         time.Time
}

// ActionOutput is the outcome of a handler. An empty Status means completed.
type ActionOutput struct {
	Status schema.ActionStatus `json:"status,omitempty"`
	Data   map[string]any      `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Type        schema.ActionType `json:"type"`
	Description string            `json:"description,omitempty"`
}

func completed(data map[string]any) *ActionOutput {
	return &ActionOutput{Status: schema.ActionStatusCompleted, Data: data}
}

func skipped(reason string) *ActionOutput {
	return &ActionOutput{Status: schema.ActionStatusSkipped, Data: map[string]any{"reason": reason}}
}

// decodeConfig unmarshals the action config into out and fills zero fields
// from defaults.
func decodeConfig[T any](a schema.Action, out *T, defaults T) error {
	if err := a.DecodeConfig(out); err != nil {
		var ae *schema.AutomationError
		if errors.As(err, &ae) {
			return ae.WithAction(a.ID)
		}
		return err
	}
	if err := mergo.Merge(out, defaults); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "apply config defaults: %v", err).WithAction(a.ID)
	}
	return nil
}

func requireEntity(in ActionInput) error {
	if in.Entity == nil {
		return schema.NewErrorf(schema.ErrCodeEntityRequired, "%s requires an entity", in.Action.Type).
			WithAction(in.Action.ID)
	}
	return nil
}

func validationError(a schema.Action, format string, args ...any) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...).WithAction(a.ID)
}

func storeError(a schema.Action, op string, err error) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithAction(a.ID).WithCause(err)
}

// startOfDay truncates to midnight UTC.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
