package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

var draftDefaults = schema.DraftCommunicationConfig{Template: "follow_up", Tone: "professional"}

// --- draft_communication ---

// draftCommunicationAction builds a deterministic draft from the template
// name, tone and trigger context. Nothing is generated or sent.
type draftCommunicationAction struct {
	jq *expressions.GoJQEngine
}

func (a *draftCommunicationAction) Type() schema.ActionType { return schema.ActionDraftCommunication }

func (a *draftCommunicationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Prepare a communication draft from a template, tone and the trigger context",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"template": {"type": "string"},
				"tone": {"type": "string"},
				"contextQuery": {"type": "string"}
			}
		}`),
	}
}

func (a *draftCommunicationAction) Validate(config json.RawMessage) error {
	var cfg schema.DraftCommunicationConfig
	return (schema.Action{Config: config}).DecodeConfig(&cfg)
}

func (a *draftCommunicationAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	var cfg schema.DraftCommunicationConfig
	if err := decodeConfig(in.Action, &cfg, draftDefaults); err != nil {
		return nil, err
	}

	var payload any = in.TriggerData
	if cfg.ContextQuery != "" {
		selected, err := a.jq.Evaluate(ctx, cfg.ContextQuery, orEmptyMap(in.TriggerData))
		if err != nil {
			var ae *schema.AutomationError
			if errors.As(err, &ae) {
				return nil, ae.WithAction(in.Action.ID)
			}
			return nil, err
		}
		payload = selected
	}
	rendered := expressions.RenderContext(payload)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s | %s]\n", cfg.Template, cfg.Tone)
	if in.Entity != nil {
		name := in.Entity.ContactName
		if name == "" {
			name = in.Entity.Name
		}
		fmt.Fprintf(&b, "To: %s\n", name)
	}
	if rendered != "" {
		b.WriteString("\n")
		b.WriteString(rendered)
	}

	return completed(map[string]any{
		"draft":    b.String(),
		"template": cfg.Template,
		"tone":     cfg.Tone,
	}), nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
