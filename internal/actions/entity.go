package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Special keys of update_entity's updates map. Every other key must be one
// of the scalar fields.
const (
	updateKeyNotes = "notes"
	updateKeyTags  = "tags"
)

var scalarFields = []string{"stage", "healthStatus", "contactName", "contactEmail", "ownerId", "spend"}

// --- update_entity ---

type updateEntityAction struct {
	entities store.EntityRepository
}

func (a *updateEntityAction) Type() schema.ActionType { return schema.ActionUpdateEntity }

func (a *updateEntityAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Update scalar fields, append a note or mutate tags on the triggering entity",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["updates"],
			"properties": {
				"updates": {
					"type": "object",
					"properties": {
						"stage": {"type": "string"},
						"healthStatus": {"type": "string"},
						"contactName": {"type": "string"},
						"contactEmail": {"type": "string"},
						"ownerId": {"type": "string"},
						"spend": {"type": ["number", "string"]},
						"notes": {"type": "string"},
						"tags": {
							"type": "object",
							"properties": {
								"add": {"type": "array", "items": {"type": "string"}},
								"remove": {"type": "array", "items": {"type": "string"}}
							},
							"additionalProperties": false
						}
					},
					"additionalProperties": false
				}
			}
		}`),
	}
}

func (a *updateEntityAction) Validate(config json.RawMessage) error {
	var cfg schema.UpdateEntityConfig
	if err := (schema.Action{Config: config}).DecodeConfig(&cfg); err != nil {
		return err
	}
	for k := range cfg.Updates {
		if !isUpdateKey(k) {
			return schema.NewErrorf(schema.ErrCodeValidation, "update_entity: unsupported field %q", k)
		}
	}
	if _, err := decodeTags(cfg.Updates[updateKeyTags]); err != nil {
		return err
	}
	return nil
}

func (a *updateEntityAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	if err := requireEntity(in); err != nil {
		return nil, err
	}
	var cfg schema.UpdateEntityConfig
	if err := in.Action.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	update, changed, err := buildEntityUpdate(in.Entity, cfg.Updates, in.Vars, in.Now)
	if err != nil {
		var ae *schema.AutomationError
		if errors.As(err, &ae) {
			return nil, ae.WithAction(in.Action.ID)
		}
		return nil, err
	}
	if update.Empty() {
		return skipped("No updates to apply"), nil
	}

	if err := a.entities.UpdateEntity(ctx, in.TenantID, in.Entity.ID, update); err != nil {
		return nil, storeError(in.Action, "update entity", err)
	}

	data := map[string]any{"updatedFields": changed}
	if update.Stage != nil {
		ev := &store.StageEvent{
			TenantID:   in.TenantID,
			EntityID:   in.Entity.ID,
			FromStage:  in.Entity.Stage,
			ToStage:    *update.Stage,
			Source:     "workflow",
			WorkflowID: in.WorkflowID,
			RunID:      in.RunID,
			CreatedAt:  in.Now,
		}
		if err := a.entities.AppendStageEvent(ctx, ev); err != nil {
			return nil, storeError(in.Action, "record stage change", err)
		}
		data["stageChange"] = map[string]any{"from": ev.FromStage, "to": ev.ToStage}
	}
	return completed(data), nil
}

// buildEntityUpdate diffs the requested updates against the snapshot and
// returns only real changes plus the sorted names of changed fields.
func buildEntityUpdate(snap *schema.EntitySnapshot, updates map[string]any, vars expressions.Namespaces, now time.Time) (store.EntityUpdate, []any, error) {
	var u store.EntityUpdate
	var names []string

	for key, raw := range updates {
		switch key {
		case updateKeyNotes, updateKeyTags:
			continue
		case "spend":
			v, ok := expressions.ToFloat(substituteValue(raw, vars))
			if !ok {
				return u, nil, schema.NewErrorf(schema.ErrCodeValidation, "update_entity: spend must be numeric, got %v", raw)
			}
			if v != snap.Spend {
				u.Spend = &v
				names = append(names, key)
			}
			continue
		}

		target, current := scalarTarget(&u, snap, key)
		if target == nil {
			return u, nil, schema.NewErrorf(schema.ErrCodeValidation, "update_entity: unsupported field %q", key)
		}
		s, ok := substituteValue(raw, vars).(string)
		if !ok {
			return u, nil, schema.NewErrorf(schema.ErrCodeValidation, "update_entity: %s must be a string", key)
		}
		if s != current {
			*target = &s
			names = append(names, key)
		}
	}

	if raw, ok := updates[updateKeyNotes]; ok {
		note := strings.TrimSpace(expressions.Stringify(substituteValue(raw, vars)))
		if note != "" {
			entry := fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), note)
			notes := entry
			if snap.Notes != "" {
				notes = snap.Notes + "\n" + entry
			}
			u.Notes = &notes
			names = append(names, updateKeyNotes)
		}
	}

	if raw, ok := updates[updateKeyTags]; ok {
		m, err := decodeTags(raw)
		if err != nil {
			return u, nil, err
		}
		next := applyTags(snap.Tags, m)
		if !sameStrings(next, snap.Tags) {
			u.Tags = &next
			names = append(names, updateKeyTags)
		}
	}

	sort.Strings(names)
	changed := make([]any, len(names))
	for i, n := range names {
		changed[i] = n
	}
	return u, changed, nil
}

// scalarTarget returns the update slot and current snapshot value for a
// string field, or nil for unknown keys.
func scalarTarget(u *store.EntityUpdate, snap *schema.EntitySnapshot, key string) (**string, string) {
	switch key {
	case "stage":
		return &u.Stage, snap.Stage
	case "healthStatus":
		return &u.HealthStatus, snap.HealthStatus
	case "contactName":
		return &u.ContactName, snap.ContactName
	case "contactEmail":
		return &u.ContactEmail, snap.ContactEmail
	case "ownerId":
		return &u.OwnerID, snap.OwnerID
	}
	return nil, ""
}

func isUpdateKey(k string) bool {
	if k == updateKeyNotes || k == updateKeyTags {
		return true
	}
	for _, f := range scalarFields {
		if f == k {
			return true
		}
	}
	return false
}

func substituteValue(v any, vars expressions.Namespaces) any {
	if s, ok := v.(string); ok {
		return expressions.Substitute(s, vars)
	}
	return v
}

func decodeTags(raw any) (schema.TagMutation, error) {
	var m schema.TagMutation
	if raw == nil {
		return m, nil
	}
	b, err := gojson.Marshal(raw)
	if err != nil {
		return m, schema.NewErrorf(schema.ErrCodeValidation, "update_entity: invalid tags: %v", err)
	}
	if err := gojson.Unmarshal(b, &m); err != nil {
		return m, schema.NewError(schema.ErrCodeValidation, "update_entity: tags must be {add: [], remove: []}")
	}
	return m, nil
}

// applyTags removes then adds, keeping first-seen order and dropping
// duplicates and blanks.
func applyTags(current []string, m schema.TagMutation) []string {
	remove := make(map[string]bool, len(m.Remove))
	for _, t := range m.Remove {
		remove[strings.TrimSpace(t)] = true
	}
	seen := make(map[string]bool)
	out := make([]string, 0, len(current)+len(m.Add))
	for _, list := range [][]string{current, m.Add} {
		for _, t := range list {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] || remove[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
