package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

var alertDefaults = schema.CreateAlertConfig{Severity: "medium", AlertType: "workflow"}

// --- create_alert ---

type createAlertAction struct {
	alerts store.AlertRepository
}

func (a *createAlertAction) Type() schema.ActionType { return schema.ActionCreateAlert }

func (a *createAlertAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Raise an alert for the tenant, tied to the entity when present",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
				"alertType": {"type": "string"}
			}
		}`),
	}
}

func (a *createAlertAction) Validate(config json.RawMessage) error {
	var cfg schema.CreateAlertConfig
	if err := (schema.Action{Config: config}).DecodeConfig(&cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Title) == "" {
		return schema.NewError(schema.ErrCodeValidation, "create_alert requires a title")
	}
	return nil
}

func (a *createAlertAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	var cfg schema.CreateAlertConfig
	if err := decodeConfig(in.Action, &cfg, alertDefaults); err != nil {
		return nil, err
	}
	title := expressions.Substitute(cfg.Title, in.Vars)
	if strings.TrimSpace(title) == "" {
		return nil, validationError(in.Action, "create_alert requires a title")
	}

	alert := &store.Alert{
		TenantID:    in.TenantID,
		Title:       title,
		Description: expressions.Substitute(cfg.Description, in.Vars),
		Severity:    cfg.Severity,
		AlertType:   cfg.AlertType,
		// Rule-generated, so always full confidence.
		Confidence: 1.0,
		Metadata: map[string]any{
			"source":      "workflow",
			"workflowId":  in.WorkflowID,
			"runId":       in.RunID,
			"triggerData": orEmptyMap(in.TriggerData),
		},
	}
	if in.Entity != nil {
		alert.EntityID = in.Entity.ID
	}
	if err := a.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, storeError(in.Action, "create alert", err)
	}

	return completed(map[string]any{
		"alertId":  alert.ID,
		"title":    alert.Title,
		"severity": alert.Severity,
	}), nil
}
