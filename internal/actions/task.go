package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

const dateLayout = "2006-01-02"

var taskDefaults = schema.CreateTaskConfig{Priority: "medium"}

// --- create_task ---

type createTaskAction struct {
	tasks store.TaskRepository
}

func (a *createTaskAction) Type() schema.ActionType { return schema.ActionCreateTask }

func (a *createTaskAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Create a task on the triggering entity",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"dueInDays": {"type": "integer", "minimum": 0},
				"priority": {"type": "string", "enum": ["low", "medium", "high", "urgent"]},
				"assignToTriggeredUser": {"type": "boolean"}
			}
		}`),
	}
}

func (a *createTaskAction) Validate(config json.RawMessage) error {
	var cfg schema.CreateTaskConfig
	if err := (schema.Action{Config: config}).DecodeConfig(&cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Title) == "" {
		return schema.NewError(schema.ErrCodeValidation, "create_task requires a title")
	}
	if cfg.DueInDays < 0 {
		return schema.NewError(schema.ErrCodeValidation, "create_task dueInDays must not be negative")
	}
	return nil
}

func (a *createTaskAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	if err := requireEntity(in); err != nil {
		return nil, err
	}
	var cfg schema.CreateTaskConfig
	if err := decodeConfig(in.Action, &cfg, taskDefaults); err != nil {
		return nil, err
	}

	title := expressions.Substitute(cfg.Title, in.Vars)
	if strings.TrimSpace(title) == "" {
		return nil, validationError(in.Action, "create_task requires a title")
	}

	task := &store.Task{
		TenantID:    in.TenantID,
		EntityID:    in.Entity.ID,
		Title:       title,
		Description: expressions.Substitute(cfg.Description, in.Vars),
		Priority:    cfg.Priority,
		Status:      "open",
		CreatedBy:   in.UserID,
		WorkflowID:  in.WorkflowID,
		RunID:       in.RunID,
	}
	if cfg.DueInDays > 0 {
		due := startOfDay(in.Now).AddDate(0, 0, cfg.DueInDays)
		task.DueDate = &due
	}
	if cfg.AssignToTriggeredUser && in.Entity.OwnerID != "" {
		task.AssignedTo = in.Entity.OwnerID
	}

	if err := a.tasks.CreateTask(ctx, task); err != nil {
		return nil, storeError(in.Action, "create task", err)
	}

	data := map[string]any{"taskId": task.ID, "title": task.Title}
	if task.DueDate != nil {
		data["dueDate"] = task.DueDate.Format(dateLayout)
	}
	if task.AssignedTo != "" {
		data["assignedTo"] = task.AssignedTo
	}
	return completed(data), nil
}
