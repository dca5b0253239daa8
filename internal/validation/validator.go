package validation

import (
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Validator checks workflow definitions before they are saved. The engine
// never validates on load; definitions reach it through a Validator.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ActionLookup is the slice of the handler registry the validator needs.
// *actions.Registry satisfies it.
type ActionLookup interface {
	Has(t schema.ActionType) bool
	Schemas() map[schema.ActionType][]byte
	ValidateConfig(a schema.Action) error
}
