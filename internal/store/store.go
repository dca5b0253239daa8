package store

import (
	"context"
	"time"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// WorkflowRepository reads and writes workflow definitions.
type WorkflowRepository interface {
	GetWorkflow(ctx context.Context, tenantID, id string) (*schema.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, tenantID, id string) error
}

// RunRepository persists run audit records. CompleteRun succeeds at most
// once per run; a second call is an INVALID_TRANSITION error.
type RunRepository interface {
	CreateRun(ctx context.Context, run *schema.WorkflowRun) error
	CompleteRun(ctx context.Context, runID string, completion RunCompletion) error
	GetRun(ctx context.Context, tenantID, runID string) (*schema.WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)
}

// EntityRepository reads and mutates client records.
type EntityRepository interface {
	GetEntity(ctx context.Context, tenantID, id string) (*Entity, error)
	UpsertEntity(ctx context.Context, e *Entity) error
	UpdateEntity(ctx context.Context, tenantID, id string, update EntityUpdate) error
	AppendStageEvent(ctx context.Context, ev *StageEvent) error
	ListStageEvents(ctx context.Context, tenantID, entityID string) ([]*StageEvent, error)
}

// ActivityRepository answers recency questions for the inactivity trigger.
type ActivityRepository interface {
	RecordActivity(ctx context.Context, a *Activity) error
	// LatestActivity returns nil when the entity has no activity of that type.
	LatestActivity(ctx context.Context, tenantID, entityID, activityType string) (*time.Time, error)
}

// MetricRepository reads KPI values for the kpi_threshold trigger.
type MetricRepository interface {
	RecordMetric(ctx context.Context, m *MetricSample) error
	// CurrentMetric returns the latest sample; ok is false when none exists.
	CurrentMetric(ctx context.Context, tenantID, entityID, metric string) (value float64, ok bool, err error)
}

// TaskRepository persists tasks.
type TaskRepository interface {
	CreateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, tenantID, entityID string) ([]*Task, error)
}

// TicketRepository persists tickets. CreateTicket assigns Number.
type TicketRepository interface {
	CreateTicket(ctx context.Context, t *Ticket) error
	ListTickets(ctx context.Context, tenantID, entityID string) ([]*Ticket, error)
}

// AlertRepository persists alerts.
type AlertRepository interface {
	CreateAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, tenantID string) ([]*Alert, error)
}

// EventRepository is the append-only run event log.
type EventRepository interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
}

// DeferralRepository stores delayed and approval-gated actions.
type DeferralRepository interface {
	CreateDeferral(ctx context.Context, d *Deferral) error
	GetDeferral(ctx context.Context, tenantID, id string) (*Deferral, error)
	ListDeferrals(ctx context.Context, filter DeferralFilter) ([]*Deferral, error)
	UpdateDeferral(ctx context.Context, id string, update DeferralUpdate) error
}

// JobRepository stores cron schedules.
type JobRepository interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowRepository
	RunRepository
	EntityRepository
	ActivityRepository
	MetricRepository
	TaskRepository
	TicketRepository
	AlertRepository
	EventRepository
	DeferralRepository
	JobRepository

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
