package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

var ticketDefaults = schema.CreateTicketConfig{Priority: "medium", Category: "general"}

// --- create_ticket ---

type createTicketAction struct {
	tickets store.TicketRepository
}

func (a *createTicketAction) Type() schema.ActionType { return schema.ActionCreateTicket }

func (a *createTicketAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Open a support ticket for the triggering entity",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"priority": {"type": "string", "enum": ["low", "medium", "high", "urgent"]},
				"category": {"type": "string"}
			}
		}`),
	}
}

func (a *createTicketAction) Validate(config json.RawMessage) error {
	var cfg schema.CreateTicketConfig
	if err := (schema.Action{Config: config}).DecodeConfig(&cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Title) == "" {
		return schema.NewError(schema.ErrCodeValidation, "create_ticket requires a title")
	}
	return nil
}

func (a *createTicketAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	if err := requireEntity(in); err != nil {
		return nil, err
	}
	var cfg schema.CreateTicketConfig
	if err := decodeConfig(in.Action, &cfg, ticketDefaults); err != nil {
		return nil, err
	}

	title := expressions.Substitute(cfg.Title, in.Vars)
	if strings.TrimSpace(title) == "" {
		return nil, validationError(in.Action, "create_ticket requires a title")
	}
	description := expressions.Substitute(cfg.Description, in.Vars)
	if description == "" {
		description = fmt.Sprintf("Auto-created by workflow %q", in.WorkflowName)
	}

	ticket := &store.Ticket{
		TenantID:    in.TenantID,
		EntityID:    in.Entity.ID,
		Title:       title,
		Description: description,
		Priority:    cfg.Priority,
		Category:    cfg.Category,
		Status:      "open",
		CreatedBy:   in.UserID,
		WorkflowID:  in.WorkflowID,
		RunID:       in.RunID,
	}
	if err := a.tickets.CreateTicket(ctx, ticket); err != nil {
		return nil, storeError(in.Action, "create ticket", err)
	}

	return completed(map[string]any{
		"ticketId":     ticket.ID,
		"ticketNumber": ticket.Number,
	}), nil
}
