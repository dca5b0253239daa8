package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	gojson "github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

const workflowSchemaURL = "https://revos.dev/schemas/workflow.json"

// workflowSchemaJSON is the structural contract of a WorkflowDefinition.
// Type-specific action configs are checked against the handlers' own
// schemas.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://revos.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "triggers", "actions"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "tenantId": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "active": { "type": "boolean" },
    "triggers": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/trigger" }
    },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/action" }
    },
    "createdAt": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "enum": ["stage_change", "new_message", "ticket_created", "inactivity", "kpi_threshold"]
        },
        "config": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "inactivity" } } },
          "then": {
            "required": ["config"],
            "properties": {
              "config": {
                "required": ["days"],
                "properties": {
                  "days": { "type": "integer", "minimum": 1 },
                  "activityTypes": { "type": "array", "items": { "type": "string" } }
                }
              }
            }
          }
        },
        {
          "if": { "properties": { "type": { "const": "kpi_threshold" } } },
          "then": {
            "required": ["config"],
            "properties": {
              "config": {
                "required": ["metric", "operator", "value"],
                "properties": {
                  "metric": { "type": "string", "minLength": 1 },
                  "operator": { "enum": ["above", "below", "equals"] },
                  "value": { "type": "number" }
                }
              }
            }
          }
        }
      ]
    },
    "action": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "enum": ["create_task", "send_notification", "draft_communication", "create_ticket", "update_entity", "create_alert"]
        },
        "config": { "type": "object" },
        "condition": { "$ref": "#/$defs/condition" },
        "delayMinutes": { "type": "integer", "minimum": 0 },
        "requiresApproval": { "type": "boolean" },
        "continueOnFailure": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": {
          "enum": ["equals", "not_equals", "greater_than", "less_than", "contains", "starts_with", "exists", "not_exists"]
        },
        "value": {},
        "expression": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false,
      "anyOf": [
        { "required": ["expression"] },
        { "required": ["field", "operator"] }
      ]
    }
  }
}`

// JSONSchemaValidator validates definitions against the workflow schema and
// action configs against per-type schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the compiled config schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toAutomationError(err)
	}
	return nil
}

// ValidateConfig validates a raw action config against a JSON Schema. An
// absent config is validated as an empty object.
func (v *JSONSchemaValidator) ValidateConfig(config json.RawMessage, configSchema []byte) error {
	if len(configSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(configSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid config schema").WithCause(err)
	}

	raw := []byte(config)
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "config is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toAutomationError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler and URL per schema keeps resources from colliding.
	url := fmt.Sprintf("revos://config-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// validateConfigSchemas checks every action config against the schema its
// handler publishes.
func validateConfigSchemas(v *JSONSchemaValidator, def *schema.WorkflowDefinition, schemas map[schema.ActionType][]byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i, a := range def.Actions {
		s, ok := schemas[a.Type]
		if !ok {
			continue
		}
		if err := v.ValidateConfig(a.Config, s); err != nil {
			addViolations(result, fmt.Sprintf("actions[%d].config", i), err)
		}
	}
	return result
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := gojson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toAutomationError flattens a jsonschema.ValidationError into a VALIDATION
// error listing each violation with its instance location.
func toAutomationError(err error) *schema.AutomationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	sort.Strings(violations)

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
