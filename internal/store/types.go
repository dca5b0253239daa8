package store

import (
	"encoding/json"
	"time"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Entity is the persisted client record. Runs read it through GetEntity and
// freeze it into a schema.EntitySnapshot.
type Entity = schema.EntitySnapshot

// Event is an immutable entry in a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	ActionID  string          `json:"action_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// StageEvent records a stage transition on an entity.
type StageEvent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	EntityID   string    `json:"entity_id"`
	FromStage  string    `json:"from_stage"`
	ToStage    string    `json:"to_stage"`
	Source     string    `json:"source"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Activity is one touchpoint with an entity (communication, task, ticket...).
type Activity struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	EntityID   string    `json:"entity_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Activity types recognized by the inactivity trigger.
const (
	ActivityCommunication = "communication"
	ActivityTask          = "task"
	ActivityTicket        = "ticket"
)

// DefaultActivityTypes are checked when an inactivity trigger names none.
var DefaultActivityTypes = []string{ActivityCommunication, ActivityTask, ActivityTicket}

// MetricSample is a recorded KPI value for an entity.
type MetricSample struct {
	TenantID   string    `json:"tenant_id"`
	EntityID   string    `json:"entity_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Task is a to-do created for an entity.
type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	EntityID    string     `json:"entity_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	WorkflowID  string     `json:"workflow_id,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Ticket is a support ticket. Number is a per-tenant sequence assigned on
// insert.
type Ticket struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	EntityID    string    `json:"entity_id"`
	Number      int64     `json:"number"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Category    string    `json:"category,omitempty"`
	Status      string    `json:"status"`
	CreatedBy   string    `json:"created_by,omitempty"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alert is a machine- or human-raised signal about a tenant or entity.
type Alert struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	EntityID    string         `json:"entity_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	AlertType   string         `json:"alert_type,omitempty"`
	Confidence  float64        `json:"confidence"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Deferral is a durable record of an action held back by a delay or an
// approval gate.
type Deferral struct {
	ID          string                `json:"id"`
	TenantID    string                `json:"tenant_id"`
	RunID       string                `json:"run_id"`
	WorkflowID  string                `json:"workflow_id"`
	ActionID    string                `json:"action_id"`
	Kind        schema.DeferralKind   `json:"kind"`
	Status      schema.DeferralStatus `json:"status"`
	EntityID    string                `json:"entity_id,omitempty"`
	TriggerData map[string]any        `json:"trigger_data,omitempty"`
	DueAt       time.Time             `json:"due_at"`
	DecidedBy   string                `json:"decided_by,omitempty"`
	DecidedAt   *time.Time            `json:"decided_at,omitempty"`
	Result      *schema.ActionResult  `json:"result,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// ScheduledJob re-runs a workflow on a cron schedule.
type ScheduledJob struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	WorkflowID     string         `json:"workflow_id"`
	EntityID       string         `json:"entity_id,omitempty"`
	CronExpression string         `json:"cron_expression"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflow definitions.
type WorkflowFilter struct {
	TenantID   string `json:"tenant_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// RunCompletion is the terminal state written by CompleteRun.
type RunCompletion struct {
	Status     schema.RunStatus      `json:"status"`
	Error      string                `json:"error,omitempty"`
	Results    []schema.ActionResult `json:"results"`
	FinishedAt time.Time             `json:"finished_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	TenantID   string            `json:"tenant_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// EntityUpdate specifies mutable fields of an entity. Nil fields are left
// unchanged; Tags replaces the whole set when non-nil.
type EntityUpdate struct {
	Stage        *string   `json:"stage,omitempty"`
	HealthStatus *string   `json:"health_status,omitempty"`
	ContactName  *string   `json:"contact_name,omitempty"`
	ContactEmail *string   `json:"contact_email,omitempty"`
	OwnerID      *string   `json:"owner_id,omitempty"`
	Spend        *float64  `json:"spend,omitempty"`
	Notes        *string   `json:"notes,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
}

// Empty reports whether the update would change nothing.
func (u EntityUpdate) Empty() bool {
	return u.Stage == nil && u.HealthStatus == nil && u.ContactName == nil &&
		u.ContactEmail == nil && u.OwnerID == nil && u.Spend == nil &&
		u.Notes == nil && u.Tags == nil
}

// DeferralFilter specifies criteria for listing deferrals.
type DeferralFilter struct {
	TenantID  string                 `json:"tenant_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Kind      schema.DeferralKind    `json:"kind,omitempty"`
	Status    *schema.DeferralStatus `json:"status,omitempty"`
	DueBefore *time.Time             `json:"due_before,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
}

// DeferralUpdate specifies mutable fields of a deferral.
type DeferralUpdate struct {
	Status    *schema.DeferralStatus `json:"status,omitempty"`
	DecidedBy string                 `json:"decided_by,omitempty"`
	DecidedAt *time.Time             `json:"decided_at,omitempty"`
	Result    *schema.ActionResult   `json:"result,omitempty"`
	// ExpectStatus makes the update conditional: it applies only while the
	// deferral is still in this status.
	ExpectStatus *schema.DeferralStatus `json:"-"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	TenantID string `json:"tenant_id,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
