package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

func deferredWorkflow(env *testEnv, t *testing.T, approval bool) {
	t.Helper()
	a := taskAction("a1", "Renewal call with {{client.name}}")
	if approval {
		a.RequiresApproval = true
	} else {
		a.DelayMinutes = 30
	}
	env.saveWorkflow(t, &schema.WorkflowDefinition{
		ID: "wf-1", Name: "Deferred", Active: true, Triggers: stageTrigger(),
		Actions: []schema.Action{a, taskAction("a2", "Immediate")},
	})
}

func onlyDeferral(t *testing.T, env *testEnv) *store.Deferral {
	t.Helper()
	list, err := env.store.ListDeferrals(context.Background(), store.DeferralFilter{TenantID: testTenant})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestDeferral_ApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedEntity(t, nil)
	deferredWorkflow(env, t, true)
	e := env.engine(t, WithDeferrals(env.store))
	ctx := context.Background()

	res, err := e.ExecuteWorkflow(ctx, "wf-1", nil, "c1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Results, 2)
	assert.Equal(t, true, res.Results[0].Result["awaitingApproval"])

	d := onlyDeferral(t, env)
	assert.Equal(t, schema.DeferralApproval, d.Kind)
	assert.Equal(t, schema.DeferralPending, d.Status)
	assert.Equal(t, res.RunID, d.RunID)
	assert.Equal(t, d.ID, res.Results[0].Result["deferralId"])

	_, err = e.ResumeDeferral(ctx, d.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "undecided approvals cannot resume")

	approved, err := e.ApproveDeferral(ctx, d.ID, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, schema.DeferralApproved, approved.Status)
	assert.Equal(t, "manager-1", approved.DecidedBy)

	_, err = e.ApproveDeferral(ctx, d.ID, "manager-2")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "a decision is final")

	// The entity changed after the run; resumption reads it fresh.
	env.seedEntity(t, func(e *store.Entity) { e.Name = "Acme Corp" })

	result, err := e.ResumeDeferral(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, result.Status)
	assert.Equal(t, schema.ActionCreateTask, result.ActionType)

	titles := map[string]bool{}
	for _, task := range env.tasks(t) {
		titles[task.Title] = true
	}
	assert.True(t, titles["Renewal call with Acme Corp"])
	assert.True(t, titles["Immediate"])

	stored, err := env.store.GetDeferral(ctx, testTenant, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeferralDone, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, schema.ActionStatusCompleted, stored.Result.Status)

	run, err := env.store.GetRun(ctx, testTenant, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusPendingApproval, run.Results[0].Status, "the finalized run is never rewritten")

	_, err = e.ResumeDeferral(ctx, d.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "a deferral resumes once")
}

func TestDeferral_Reject(t *testing.T) {
	env := newTestEnv(t)
	env.seedEntity(t, nil)
	deferredWorkflow(env, t, true)
	e := env.engine(t, WithDeferrals(env.store))
	ctx := context.Background()

	_, err := e.ExecuteWorkflow(ctx, "wf-1", nil, "c1")
	require.NoError(t, err)
	d := onlyDeferral(t, env)

	rejected, err := e.RejectDeferral(ctx, d.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, schema.DeferralRejected, rejected.Status)
	assert.Equal(t, "u-actor", rejected.DecidedBy)
	require.NotNil(t, rejected.Result)
	assert.Equal(t, schema.ActionStatusSkipped, rejected.Result.Status)
	assert.Equal(t, "Approval rejected", rejected.Result.Result["reason"])

	_, err = e.ResumeDeferral(ctx, d.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.Len(t, env.tasks(t), 1, "only the immediate action ran")

	events, err := env.store.GetEvents(ctx, d.RunID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, schema.EventDeferralResolved, last.Type)
}

func TestDeferral_DelayBecomesDue(t *testing.T) {
	env := newTestEnv(t)
	env.seedEntity(t, nil)
	deferredWorkflow(env, t, false)
	e := env.engine(t, WithDeferrals(env.store))
	ctx := context.Background()

	_, err := e.ExecuteWorkflow(ctx, "wf-1", nil, "c1")
	require.NoError(t, err)
	d := onlyDeferral(t, env)
	assert.Equal(t, schema.DeferralDelay, d.Kind)
	assert.True(t, d.DueAt.Equal(testNow.Add(30*time.Minute)))
	assert.False(t, Ready(d, testNow))

	_, err = e.ResumeDeferral(ctx, d.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = e.ApproveDeferral(ctx, d.ID, "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "delays are not approvals")

	env.clock.Advance(31 * time.Minute)
	result, err := e.ResumeDeferral(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, result.Status)
	assert.Len(t, env.tasks(t), 2)
}

func TestDeferral_ConditionReevaluatedOnResume(t *testing.T) {
	env := newTestEnv(t)
	env.seedEntity(t, nil)
	a := taskAction("a1", "Still onboarding")
	a.DelayMinutes = 10
	a.Condition = &schema.Condition{Field: "client.stage", Operator: schema.OpEquals, Value: "onboarding"}
	env.saveWorkflow(t, &schema.WorkflowDefinition{
		ID: "wf-1", Name: "Recheck", Active: true, Triggers: stageTrigger(), Actions: []schema.Action{a},
	})
	e := env.engine(t, WithDeferrals(env.store))
	ctx := context.Background()

	_, err := e.ExecuteWorkflow(ctx, "wf-1", nil, "c1")
	require.NoError(t, err)
	d := onlyDeferral(t, env)

	require.NoError(t, env.store.UpdateEntity(ctx, testTenant, "c1", store.EntityUpdate{Stage: strPtr("active")}))
	env.clock.Advance(time.Hour)

	result, err := e.ResumeDeferral(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusSkipped, result.Status)
	assert.Equal(t, "Condition not met", result.Result["reason"])
	assert.Empty(t, env.tasks(t))
}

func TestDeferral_ActionRemovedFromDefinition(t *testing.T) {
	env := newTestEnv(t)
	env.seedEntity(t, nil)
	deferredWorkflow(env, t, false)
	e := env.engine(t, WithDeferrals(env.store))
	ctx := context.Background()

	_, err := e.ExecuteWorkflow(ctx, "wf-1", nil, "c1")
	require.NoError(t, err)
	d := onlyDeferral(t, env)

	env.saveWorkflow(t, &schema.WorkflowDefinition{
		ID: "wf-1", Name: "Deferred", Active: true, Triggers: stageTrigger(),
		Actions: []schema.Action{taskAction("a2", "Immediate")},
	})
	env.clock.Advance(time.Hour)

	result, err := e.ResumeDeferral(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusFailed, result.Status)

	stored, err := env.store.GetDeferral(ctx, testTenant, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeferralFailed, stored.Status)
}

func TestDeferral_RequiresStore(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t)
	_, err := e.ResumeDeferral(context.Background(), "d1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = e.ApproveDeferral(context.Background(), "d1", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestReady(t *testing.T) {
	now := testNow
	assert.True(t, Ready(&store.Deferral{Kind: schema.DeferralDelay, Status: schema.DeferralPending, DueAt: now}, now))
	assert.False(t, Ready(&store.Deferral{Kind: schema.DeferralDelay, Status: schema.DeferralDone, DueAt: now}, now))
	assert.True(t, Ready(&store.Deferral{Kind: schema.DeferralApproval, Status: schema.DeferralApproved}, now))
	assert.False(t, Ready(&store.Deferral{Kind: schema.DeferralApproval, Status: schema.DeferralPending}, now))
	assert.False(t, Ready(&store.Deferral{Kind: schema.DeferralApproval, Status: schema.DeferralRejected}, now))
}

func strPtr(s string) *string { return &s }
