package schema

import (
	"encoding/json"
	"time"

	gojson "github.com/goccy/go-json"
)

// WorkflowDefinition is a named, versioned automation rule: triggers plus an
// ordered action chain. Definitions are authored outside the engine and are
// read-only to it.
type WorkflowDefinition struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version,omitempty"`
	Active      bool      `json:"active"`
	Triggers    []Trigger `json:"triggers"`
	Actions     []Action  `json:"actions"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// TriggerType enumerates the kinds of triggers a workflow can declare.
type TriggerType string

const (
	TriggerStageChange   TriggerType = "stage_change"
	TriggerNewMessage    TriggerType = "new_message"
	TriggerTicketCreated TriggerType = "ticket_created"
	TriggerInactivity    TriggerType = "inactivity"
	TriggerKPIThreshold  TriggerType = "kpi_threshold"
)

// AllTriggerTypes lists every trigger type in declaration order.
var AllTriggerTypes = []TriggerType{
	TriggerStageChange, TriggerNewMessage, TriggerTicketCreated,
	TriggerInactivity, TriggerKPIThreshold,
}

// IsEventBased reports whether the trigger is satisfied by the firing event
// itself. Event triggers are not re-checked at run time.
func (t TriggerType) IsEventBased() bool {
	switch t {
	case TriggerStageChange, TriggerNewMessage, TriggerTicketCreated:
		return true
	}
	return false
}

// Known reports whether t is one of AllTriggerTypes.
func (t TriggerType) Known() bool {
	for _, k := range AllTriggerTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Trigger is a tagged variant: Type selects how Config is decoded.
type Trigger struct {
	Type   TriggerType     `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// InactivityConfig is the config of an inactivity trigger.
type InactivityConfig struct {
	Days          int      `json:"days"`
	ActivityTypes []string `json:"activityTypes,omitempty"`
}

// KPI comparison operators.
const (
	KPIAbove  = "above"
	KPIBelow  = "below"
	KPIEquals = "equals"
)

// KPIThresholdConfig is the config of a kpi_threshold trigger.
type KPIThresholdConfig struct {
	Metric   string  `json:"metric"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// Inactivity decodes the trigger config as an InactivityConfig.
func (t Trigger) Inactivity() (*InactivityConfig, error) {
	var cfg InactivityConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// KPIThreshold decodes the trigger config as a KPIThresholdConfig.
func (t Trigger) KPIThreshold() (*KPIThresholdConfig, error) {
	var cfg KPIThresholdConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ActionType enumerates the action kinds the engine can dispatch.
type ActionType string

const (
	ActionCreateTask         ActionType = "create_task"
	ActionSendNotification   ActionType = "send_notification"
	ActionDraftCommunication ActionType = "draft_communication"
	ActionCreateTicket       ActionType = "create_ticket"
	ActionUpdateEntity       ActionType = "update_entity"
	ActionCreateAlert        ActionType = "create_alert"
)

// AllActionTypes lists every action type. The handler registry is checked
// against this list at construction.
var AllActionTypes = []ActionType{
	ActionCreateTask, ActionSendNotification, ActionDraftCommunication,
	ActionCreateTicket, ActionUpdateEntity, ActionCreateAlert,
}

// Known reports whether t is one of AllActionTypes.
func (t ActionType) Known() bool {
	for _, k := range AllActionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Action is one step of a workflow's chain.
type Action struct {
	ID                string          `json:"id"`
	Type              ActionType      `json:"type"`
	Config            json.RawMessage `json:"config,omitempty"`
	Condition         *Condition      `json:"condition,omitempty"`
	DelayMinutes      int             `json:"delayMinutes,omitempty"`
	RequiresApproval  bool            `json:"requiresApproval,omitempty"`
	ContinueOnFailure bool            `json:"continueOnFailure,omitempty"`
}

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpStartsWith  = "starts_with"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// AllConditionOperators lists the supported condition operators.
var AllConditionOperators = []string{
	OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
	OpContains, OpStartsWith, OpExists, OpNotExists,
}

// Condition gates a single action. Either Field/Operator/Value or a CEL
// Expression over client, trigger and time.
type Condition struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// CreateTaskConfig configures create_task.
type CreateTaskConfig struct {
	Title                 string `json:"title"`
	Description           string `json:"description,omitempty"`
	DueInDays             int    `json:"dueInDays,omitempty"`
	Priority              string `json:"priority,omitempty"`
	AssignToTriggeredUser bool   `json:"assignToTriggeredUser,omitempty"`
}

// SendNotificationConfig configures send_notification.
type SendNotificationConfig struct {
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Message    string   `json:"message"`
}

// DraftCommunicationConfig configures draft_communication. ContextQuery is
// an optional jq query selecting the part of the trigger payload to embed.
type DraftCommunicationConfig struct {
	Template     string `json:"template,omitempty"`
	Tone         string `json:"tone,omitempty"`
	ContextQuery string `json:"contextQuery,omitempty"`
}

// CreateTicketConfig configures create_ticket.
type CreateTicketConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Category    string `json:"category,omitempty"`
}

// UpdateEntityConfig configures update_entity. Updates holds scalar fields
// plus the special keys "notes" (appended) and "tags" ({add, remove}).
type UpdateEntityConfig struct {
	Updates map[string]any `json:"updates"`
}

// TagMutation is the decoded form of the "tags" update key.
type TagMutation struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// CreateAlertConfig configures create_alert.
type CreateAlertConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
	AlertType   string `json:"alertType,omitempty"`
}

// DecodeConfig unmarshals an action config into the typed struct out.
func (a Action) DecodeConfig(out any) error {
	return decodeConfig(a.Config, out)
}

func decodeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := gojson.Unmarshal(raw, out); err != nil {
		return NewErrorf(ErrCodeValidation, "invalid config: %s", err.Error()).WithCause(err)
	}
	return nil
}
