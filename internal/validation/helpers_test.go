package validation

import (
	"encoding/json"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

func validDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:     "wf-onboarding",
		Name:   "Onboarding kickoff",
		Active: true,
		Triggers: []schema.Trigger{
			{Type: schema.TriggerStageChange, Config: json.RawMessage(`{"toStage":"onboarding"}`)},
		},
		Actions: []schema.Action{
			{
				ID:     "a1",
				Type:   schema.ActionCreateTask,
				Config: json.RawMessage(`{"title":"Kickoff call with {{client.name}}","dueInDays":2}`),
				Condition: &schema.Condition{
					Field: "client.stage", Operator: schema.OpEquals, Value: "onboarding",
				},
			},
		},
	}
}

// mockLookup registers a fixed set of action types with no config rules.
type mockLookup struct {
	types map[schema.ActionType]bool
}

func newMockLookup(types ...schema.ActionType) *mockLookup {
	m := &mockLookup{types: make(map[schema.ActionType]bool)}
	for _, t := range types {
		m.types[t] = true
	}
	return m
}

func (m *mockLookup) Has(t schema.ActionType) bool          { return m.types[t] }
func (m *mockLookup) Schemas() map[schema.ActionType][]byte { return nil }
func (m *mockLookup) ValidateConfig(schema.Action) error    { return nil }

func issuePaths(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Path)
	}
	return out
}
