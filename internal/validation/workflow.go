package validation

import (
	"github.com/growthpigs/bravo-revos-sub004/internal/expressions"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// WorkflowValidator runs the two-stage pipeline:
// 1. Structural (JSON Schema of the definition and of each action config)
// 2. Semantic (unique IDs, registered handlers, trigger configs, conditions)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	cel        *expressions.CELEngine
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip handler checks and per-type config schemas.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
		cel:        cel,
	}, nil
}

// Validate runs the pipeline and returns an aggregated result. Structural
// errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if wv.actions != nil {
		result.Merge(validateConfigSchemas(wv.jsonSchema, def, wv.actions.Schemas()))
	}
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions, wv.cel))
	return result
}

// ValidateDefinition satisfies Validator.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// validateStructural converts JSONSchemaValidator output into a
// ValidationResult, one issue per violation.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}
	addViolations(result, "/", err)
	return result
}

func addViolations(result *schema.ValidationResult, path string, err error) {
	aerr, ok := err.(*schema.AutomationError)
	if !ok {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := aerr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(path, schema.ErrCodeValidation, v)
		}
		return
	}
	result.AddError(path, schema.ErrCodeValidation, aerr.Message)
}
