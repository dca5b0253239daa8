package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("WorkflowSaveGetVersion", func(t *testing.T) { testWorkflowSaveGetVersion(t, newStore(t)) })
	t.Run("WorkflowList", func(t *testing.T) { testWorkflowList(t, newStore(t)) })
	t.Run("WorkflowNotFound", func(t *testing.T) { testWorkflowNotFound(t, newStore(t)) })
	t.Run("RunFinalizeOnce", func(t *testing.T) { testRunFinalizeOnce(t, newStore(t)) })
	t.Run("RunList", func(t *testing.T) { testRunList(t, newStore(t)) })
	t.Run("EntityUpdate", func(t *testing.T) { testEntityUpdate(t, newStore(t)) })
	t.Run("StageEvents", func(t *testing.T) { testStageEvents(t, newStore(t)) })
	t.Run("LatestActivity", func(t *testing.T) { testLatestActivity(t, newStore(t)) })
	t.Run("CurrentMetric", func(t *testing.T) { testCurrentMetric(t, newStore(t)) })
	t.Run("TicketNumbers", func(t *testing.T) { testTicketNumbers(t, newStore(t)) })
	t.Run("TasksAndAlerts", func(t *testing.T) { testTasksAndAlerts(t, newStore(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, newStore(t)) })
	t.Run("Deferrals", func(t *testing.T) { testDeferrals(t, newStore(t)) })
	t.Run("ScheduledJobs", func(t *testing.T) { testScheduledJobs(t, newStore(t)) })
}

func sampleWorkflow(tenant, id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: id, TenantID: tenant, Name: "Onboarding follow-up", Active: true,
		Triggers: []schema.Trigger{{Type: schema.TriggerStageChange}},
		Actions: []schema.Action{{
			ID: "a1", Type: schema.ActionCreateTask,
			Config:    []byte(`{"title":"Follow up with {{client.name}}"}`),
			Condition: &schema.Condition{Field: "client.stage", Operator: schema.OpEquals, Value: "onboarding"},
		}},
	}
}

func seedEntity(t *testing.T, s Store, tenant, id string) *Entity {
	t.Helper()
	e := &Entity{
		ID: id, TenantID: tenant, Name: "Acme", Stage: "onboarding", OwnerID: "u-owner",
		DaysInStage: 4, Spend: 1200.5, Tags: []string{"vip"},
		Attributes: map[string]any{"industry": "retail"},
	}
	require.NoError(t, s.UpsertEntity(context.Background(), e))
	return e
}

func testWorkflowSaveGetVersion(t *testing.T, s Store) {
	ctx := context.Background()
	wf := sampleWorkflow("t1", "wf-1")
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	assert.Equal(t, 1, wf.Version)

	got, err := s.GetWorkflow(ctx, "t1", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Onboarding follow-up", got.Name)
	assert.True(t, got.Active)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, schema.ActionCreateTask, got.Actions[0].Type)
	require.NotNil(t, got.Actions[0].Condition)
	assert.Equal(t, "client.stage", got.Actions[0].Condition.Field)
	assert.JSONEq(t, `{"title":"Follow up with {{client.name}}"}`, string(got.Actions[0].Config))

	wf.Active = false
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	assert.Equal(t, 2, wf.Version)

	got, err = s.GetWorkflow(ctx, "t1", "wf-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 2, got.Version)
}

func testWorkflowList(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("t1", "wf-1")))
	inactive := sampleWorkflow("t1", "wf-2")
	inactive.Active = false
	require.NoError(t, s.SaveWorkflow(ctx, inactive))
	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("t2", "wf-3")))

	all, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "t1", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "wf-1", active[0].ID)

	require.NoError(t, s.DeleteWorkflow(ctx, "t1", "wf-1"))
	err = s.DeleteWorkflow(ctx, "t1", "wf-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testWorkflowNotFound(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow("t1", "wf-1")))

	_, err := s.GetWorkflow(ctx, "t2", "wf-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "workflows are tenant scoped")
}

func testRunFinalizeOnce(t *testing.T, s Store) {
	ctx := context.Background()
	run := &schema.WorkflowRun{
		ID: uuid.NewString(), TenantID: "t1", WorkflowID: "wf-1", EntityID: "c1",
		TriggerData: map[string]any{"toStage": "active"}, Status: schema.RunStatusRunning,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	results := []schema.ActionResult{{
		ActionID: "a1", ActionType: schema.ActionCreateTask, Status: schema.ActionStatusCompleted,
		Result: map[string]any{"taskId": "task-1"}, ExecutedAt: time.Now().UTC(), DurationMs: 3,
	}}
	require.NoError(t, s.CompleteRun(ctx, run.ID, RunCompletion{Status: schema.RunStatusCompleted, Results: results}))

	err := s.CompleteRun(ctx, run.ID, RunCompletion{Status: schema.RunStatusFailed, Error: "late"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	got, err := s.GetRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "task-1", got.Results[0].Result["taskId"])
	assert.Equal(t, "active", got.TriggerData["toStage"])

	err = s.CompleteRun(ctx, "missing", RunCompletion{Status: schema.RunStatusCompleted})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.CompleteRun(ctx, run.ID, RunCompletion{Status: schema.RunStatusRunning})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func testRunList(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, wf := range []string{"wf-1", "wf-1", "wf-2"} {
		require.NoError(t, s.CreateRun(ctx, &schema.WorkflowRun{
			ID: uuid.NewString(), TenantID: "t1", WorkflowID: wf, Status: schema.RunStatusRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.ListRuns(ctx, RunFilter{TenantID: "t1", WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt), "newest first")

	running := schema.RunStatusRunning
	limited, err := s.ListRuns(ctx, RunFilter{TenantID: "t1", Status: &running, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testEntityUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	seedEntity(t, s, "t1", "c1")

	stage := "active"
	notes := "[2026-01-01T00:00:00Z] kicked off"
	tags := []string{"vip", "renewal"}
	require.NoError(t, s.UpdateEntity(ctx, "t1", "c1", EntityUpdate{Stage: &stage, Notes: &notes, Tags: &tags}))

	got, err := s.GetEntity(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "active", got.Stage)
	assert.Equal(t, 0, got.DaysInStage)
	assert.Equal(t, notes, got.Notes)
	assert.Equal(t, []string{"vip", "renewal"}, got.Tags)
	assert.Equal(t, "u-owner", got.OwnerID)
	assert.InDelta(t, 1200.5, got.Spend, 0.001)
	assert.Equal(t, "retail", got.Attributes["industry"])

	err = s.UpdateEntity(ctx, "t1", "missing", EntityUpdate{Stage: &stage})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testStageEvents(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendStageEvent(ctx, &StageEvent{
		TenantID: "t1", EntityID: "c1", FromStage: "onboarding", ToStage: "active",
		Source: "workflow", WorkflowID: "wf-1", RunID: "run-1",
	}))

	events, err := s.ListStageEvents(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "onboarding", events[0].FromStage)
	assert.Equal(t, "active", events[0].ToStage)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
	assert.NotEmpty(t, events[0].ID)
}

func testLatestActivity(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	latest, err := s.LatestActivity(ctx, "t1", "c1", ActivityTask)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.RecordActivity(ctx, &Activity{TenantID: "t1", EntityID: "c1", Type: ActivityTask, OccurredAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.RecordActivity(ctx, &Activity{TenantID: "t1", EntityID: "c1", Type: ActivityTask, OccurredAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.RecordActivity(ctx, &Activity{TenantID: "t1", EntityID: "c1", Type: ActivityTicket, OccurredAt: now}))

	latest, err = s.LatestActivity(ctx, "t1", "c1", ActivityTask)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.WithinDuration(t, now.Add(-2*time.Hour), *latest, time.Second)
}

func testCurrentMetric(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, ok, err := s.CurrentMetric(ctx, "t1", "c1", "roas")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordMetric(ctx, &MetricSample{TenantID: "t1", EntityID: "c1", Metric: "roas", Value: 1.5, RecordedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.RecordMetric(ctx, &MetricSample{TenantID: "t1", EntityID: "c1", Metric: "roas", Value: 2.25, RecordedAt: now}))

	v, ok, err := s.CurrentMetric(ctx, "t1", "c1", "roas")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 2.25, v, 0.0001)
}

func testTicketNumbers(t *testing.T, s Store) {
	ctx := context.Background()
	t1 := &Ticket{TenantID: "t1", EntityID: "c1", Title: "First"}
	t2 := &Ticket{TenantID: "t1", EntityID: "c1", Title: "Second"}
	other := &Ticket{TenantID: "t2", EntityID: "c9", Title: "Other tenant"}
	require.NoError(t, s.CreateTicket(ctx, t1))
	require.NoError(t, s.CreateTicket(ctx, t2))
	require.NoError(t, s.CreateTicket(ctx, other))

	assert.Equal(t, int64(1), t1.Number)
	assert.Equal(t, int64(2), t2.Number)
	assert.Equal(t, int64(1), other.Number)
	assert.NotEmpty(t, t1.ID)

	list, err := s.ListTickets(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "open", list[0].Status)
}

func testTasksAndAlerts(t *testing.T, s Store) {
	ctx := context.Background()
	due := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.CreateTask(ctx, &Task{
		TenantID: "t1", EntityID: "c1", Title: "Call", DueDate: &due, AssignedTo: "u-owner", WorkflowID: "wf-1",
	}))
	tasks, err := s.ListTasks(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Call", tasks[0].Title)
	require.NotNil(t, tasks[0].DueDate)
	assert.WithinDuration(t, due, *tasks[0].DueDate, time.Second)

	require.NoError(t, s.CreateAlert(ctx, &Alert{
		TenantID: "t1", EntityID: "c1", Title: "Spend dropped", Confidence: 1.0,
		Metadata: map[string]any{"source": "workflow", "workflowId": "wf-1"},
	}))
	alerts, err := s.ListAlerts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.InDelta(t, 1.0, alerts[0].Confidence, 0.0001)
	assert.Equal(t, "workflow", alerts[0].Metadata["source"])
}

func testEventSequence(t *testing.T, s Store) {
	ctx := context.Background()
	for _, typ := range []string{schema.EventRunStarted, schema.EventActionCompleted, schema.EventRunCompleted} {
		ev := &Event{RunID: "run-1", Type: typ}
		if typ == schema.EventActionCompleted {
			ev.ActionID = "a1"
			ev.Payload = []byte(`{"durationMs":2}`)
		}
		require.NoError(t, s.AppendEvent(ctx, ev))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-2", Type: schema.EventRunStarted}))

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.JSONEq(t, `{"durationMs":2}`, string(events[1].Payload))

	tail, err := s.GetEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventRunCompleted, tail[0].Type)

	replay, err := ReplayRun(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, replay.Status)
	assert.Equal(t, schema.ActionStatusCompleted, replay.Actions["a1"])
	assert.Equal(t, 3, replay.Events)
}

func testDeferrals(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	delay := &Deferral{
		TenantID: "t1", RunID: "run-1", WorkflowID: "wf-1", ActionID: "a1",
		Kind: schema.DeferralDelay, EntityID: "c1", DueAt: now.Add(-time.Minute),
		TriggerData: map[string]any{"k": "v"},
	}
	approval := &Deferral{
		TenantID: "t1", RunID: "run-1", WorkflowID: "wf-1", ActionID: "a2",
		Kind: schema.DeferralApproval, DueAt: now.Add(time.Hour),
	}
	require.NoError(t, s.CreateDeferral(ctx, delay))
	require.NoError(t, s.CreateDeferral(ctx, approval))
	assert.Equal(t, schema.DeferralPending, delay.Status)

	pending := schema.DeferralPending
	due, err := s.ListDeferrals(ctx, DeferralFilter{Status: &pending, DueBefore: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a1", due[0].ActionID)
	assert.Equal(t, "v", due[0].TriggerData["k"])

	approved := schema.DeferralApproved
	decided := now
	require.NoError(t, s.UpdateDeferral(ctx, approval.ID, DeferralUpdate{
		Status: &approved, DecidedBy: "u-1", DecidedAt: &decided, ExpectStatus: &pending,
	}))

	err = s.UpdateDeferral(ctx, approval.ID, DeferralUpdate{Status: &approved, ExpectStatus: &pending})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	done := schema.DeferralDone
	result := &schema.ActionResult{ActionID: "a2", ActionType: schema.ActionCreateTask, Status: schema.ActionStatusCompleted}
	require.NoError(t, s.UpdateDeferral(ctx, approval.ID, DeferralUpdate{Status: &done, Result: result}))

	got, err := s.GetDeferral(ctx, "t1", approval.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeferralDone, got.Status)
	assert.Equal(t, "u-1", got.DecidedBy)
	require.NotNil(t, got.Result)
	assert.Equal(t, schema.ActionStatusCompleted, got.Result.Status)

	_, err = s.GetDeferral(ctx, "t2", approval.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testScheduledJobs(t *testing.T, s Store) {
	ctx := context.Background()
	job := &ScheduledJob{
		TenantID: "t1", WorkflowID: "wf-1", EntityID: "c1", CronExpression: "0 9 * * *",
		TriggerData: map[string]any{"source": "cron"}, Enabled: true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{NextRunAt: &next, LastRunStatus: "completed"}))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "completed", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, next, *got.NextRunAt, time.Second)

	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
