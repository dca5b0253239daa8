package validation

import (
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot express: unique
// action IDs, registered handlers and their config rules, trigger configs,
// and conditions.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, cel *expressions.CELEngine) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(def.Triggers) == 0 {
		result.AddWarning("triggers", schema.ErrCodeValidation, "workflow declares no triggers and only runs when invoked directly")
	}
	for i, t := range def.Triggers {
		validateTrigger(t, fmt.Sprintf("triggers[%d]", i), result)
	}

	seen := make(map[string]int, len(def.Actions))
	for i := range def.Actions {
		a := def.Actions[i]
		path := fmt.Sprintf("actions[%d]", i)

		if first, dup := seen[a.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate action id %q (first used at actions[%d])", a.ID, first))
		} else {
			seen[a.ID] = i
		}

		validateAction(a, path, lookup, result)
		if a.Condition != nil {
			validateCondition(a.Condition, path+".condition", cel, result)
		}
	}
	return result
}

func validateTrigger(t schema.Trigger, path string, result *schema.ValidationResult) {
	if !t.Type.Known() {
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown trigger type %q", t.Type))
		return
	}

	switch t.Type {
	case schema.TriggerInactivity:
		cfg, err := t.Inactivity()
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Days <= 0 {
			result.AddError(path+".config.days", schema.ErrCodeValidation, "inactivity trigger requires days > 0")
		}
	case schema.TriggerKPIThreshold:
		cfg, err := t.KPIThreshold()
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			return
		}
		if strings.TrimSpace(cfg.Metric) == "" {
			result.AddError(path+".config.metric", schema.ErrCodeValidation, "kpi_threshold trigger requires a metric")
		}
		switch cfg.Operator {
		case schema.KPIAbove, schema.KPIBelow, schema.KPIEquals:
		default:
			result.AddError(path+".config.operator", schema.ErrCodeValidation,
				fmt.Sprintf("unknown kpi operator %q", cfg.Operator))
		}
	}
}

func validateAction(a schema.Action, path string, lookup ActionLookup, result *schema.ValidationResult) {
	if !a.Type.Known() {
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown action type %q", a.Type))
		return
	}
	if lookup != nil {
		if !lookup.Has(a.Type) {
			result.AddError(path+".type", schema.ErrCodeActionUnavailable,
				fmt.Sprintf("no handler registered for %q", a.Type))
		} else if err := lookup.ValidateConfig(a); err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, errorMessage(err))
		}
	}

	if a.Type == schema.ActionDraftCommunication {
		var cfg schema.DraftCommunicationConfig
		if err := a.DecodeConfig(&cfg); err == nil && cfg.ContextQuery != "" {
			if _, err := gojq.Parse(cfg.ContextQuery); err != nil {
				result.AddError(path+".config.contextQuery", schema.ErrCodeValidation,
					fmt.Sprintf("invalid jq query: %s", err))
			}
		}
	}

	if a.DelayMinutes > 0 && a.RequiresApproval {
		result.AddWarning(path, schema.ErrCodeValidation,
			"delayed actions resume without an approval gate; requiresApproval has no effect")
	}
}

func validateCondition(c *schema.Condition, path string, cel *expressions.CELEngine, result *schema.ValidationResult) {
	if c.Expression != "" {
		if c.Field != "" || c.Operator != "" {
			result.AddWarning(path, schema.ErrCodeValidation, "expression is set; field and operator are ignored")
		}
		if err := cel.Check(c.Expression); err != nil {
			result.AddError(path+".expression", schema.ErrCodeValidation, errorMessage(err))
		}
		return
	}

	ns, rest, _ := strings.Cut(c.Field, ".")
	switch ns {
	case expressions.NamespaceClient, expressions.NamespaceTrigger, expressions.NamespaceTime:
		if rest == "" {
			result.AddError(path+".field", schema.ErrCodeValidation,
				fmt.Sprintf("field %q names a namespace but no key", c.Field))
		}
	default:
		result.AddWarning(path+".field", schema.ErrCodeValidation,
			fmt.Sprintf("field %q is outside the client, trigger and time namespaces and always resolves to undefined", c.Field))
	}

	switch c.Operator {
	case schema.OpExists, schema.OpNotExists:
	default:
		if c.Value == nil {
			result.AddWarning(path+".value", schema.ErrCodeValidation,
				fmt.Sprintf("operator %q compares against an empty value", c.Operator))
		}
	}
}

func errorMessage(err error) string {
	if ae, ok := err.(*schema.AutomationError); ok {
		return ae.Message
	}
	return err.Error()
}
