package actions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Notification is a message handed to the delivery layer.
type Notification struct {
	TenantID   string    `json:"tenant_id"`
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	EntityID   string    `json:"entity_id,omitempty"`
	Channel    string    `json:"channel"`
	Recipients []string  `json:"recipients"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notifier hands notifications off for delivery. A nil error means the
// message was accepted, not that it reached anyone.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

var notificationDefaults = schema.SendNotificationConfig{Channel: "in_app"}

// --- send_notification ---

type sendNotificationAction struct {
	notifier Notifier
}

func (a *sendNotificationAction) Type() schema.ActionType { return schema.ActionSendNotification }

func (a *sendNotificationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Hand a message to a notification channel",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["message"],
			"properties": {
				"channel": {"type": "string"},
				"recipients": {"type": "array", "items": {"type": "string"}},
				"message": {"type": "string", "minLength": 1}
			}
		}`),
	}
}

func (a *sendNotificationAction) Validate(config json.RawMessage) error {
	var cfg schema.SendNotificationConfig
	if err := (schema.Action{Config: config}).DecodeConfig(&cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Message) == "" {
		return schema.NewError(schema.ErrCodeValidation, "send_notification requires a message")
	}
	return nil
}

func (a *sendNotificationAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	var cfg schema.SendNotificationConfig
	if err := decodeConfig(in.Action, &cfg, notificationDefaults); err != nil {
		return nil, err
	}

	n := Notification{
		TenantID:   in.TenantID,
		WorkflowID: in.WorkflowID,
		RunID:      in.RunID,
		Channel:    cfg.Channel,
		Recipients: make([]string, 0, len(cfg.Recipients)),
		Message:    expressions.Substitute(cfg.Message, in.Vars),
		CreatedAt:  in.Now,
	}
	if in.Entity != nil {
		n.EntityID = in.Entity.ID
	}
	for _, r := range cfg.Recipients {
		n.Recipients = append(n.Recipients, expressions.Substitute(r, in.Vars))
	}

	delivered := false
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, n); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "notify %s: %v", n.Channel, err).
				WithAction(in.Action.ID).WithCause(err)
		}
		delivered = true
	}

	recipients := make([]any, len(n.Recipients))
	for i, r := range n.Recipients {
		recipients[i] = r
	}
	return completed(map[string]any{
		"channel":    n.Channel,
		"recipients": recipients,
		"message":    n.Message,
		"delivered":  delivered,
	}), nil
}
