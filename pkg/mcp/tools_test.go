package mcp

import (
	"context"
	"errors"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/growthpigs/bravo-revos-sub004/internal/actions"
	"github.com/growthpigs/bravo-revos-sub004/internal/engine"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/internal/streaming"
	"github.com/growthpigs/bravo-revos-sub004/internal/validation"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

const testTenant = "t1"

type testServer struct {
	*Server
	store *store.MemoryStore
	sched *recordingScheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ms := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	reg, err := actions.NewBuiltinRegistry(actions.Deps{
		Tasks: ms, Tickets: ms, Alerts: ms, Entities: ms, Notifier: streaming.NewHubNotifier(hub),
	})
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(reg)
	require.NoError(t, err)

	engines := func(tenantID string) (Engine, error) {
		return engine.New(tenantID, "mcp", ms, reg,
			engine.WithDeferrals(ms),
			engine.WithHub(hub),
			engine.WithMeterProvider(noop.NewMeterProvider()),
		)
	}
	sched := &recordingScheduler{}
	s := NewServer(ServerDeps{
		Engines:       engines,
		Store:         ms,
		Validator:     v,
		Scheduler:     sched,
		DefaultTenant: testTenant,
	})

	require.NoError(t, ms.UpsertEntity(context.Background(), &store.Entity{
		ID: "c1", TenantID: testTenant, Name: "Acme", Stage: "onboarding", OwnerID: "u-owner",
	}))
	return &testServer{Server: s, store: ms, sched: sched}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var out map[string]any
	require.NoError(t, gojson.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func onboardingDefinition(approval bool) map[string]any {
	return map[string]any{
		"id":     "wf-1",
		"name":   "Onboarding kickoff",
		"active": true,
		"triggers": []any{
			map[string]any{"type": "stage_change"},
		},
		"actions": []any{
			map[string]any{
				"id":               "a1",
				"type":             "create_task",
				"config":           map[string]any{"title": "Kickoff with {{client.name}}"},
				"requiresApproval": approval,
			},
		},
	}
}

func (ts *testServer) define(t *testing.T, approval bool) {
	t.Helper()
	res, err := ts.handleDefine(context.Background(), buildRequest("automation.define", map[string]any{
		"definition": onboardingDefinition(approval),
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	require.Equal(t, true, out["saved"])
}

func TestDefineTool(t *testing.T) {
	ts := newTestServer(t)
	ts.define(t, false)

	wf, err := ts.store.GetWorkflow(context.Background(), testTenant, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, testTenant, wf.TenantID)
	require.Len(t, wf.Actions, 1)
	assert.Equal(t, schema.ActionCreateTask, wf.Actions[0].Type)
}

func TestDefineTool_DryRun(t *testing.T) {
	ts := newTestServer(t)
	res, err := ts.handleDefine(context.Background(), buildRequest("automation.define", map[string]any{
		"definition": onboardingDefinition(false),
		"dry_run":    true,
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, true, out["valid"])
	assert.Equal(t, false, out["saved"])

	_, err = ts.store.GetWorkflow(context.Background(), testTenant, "wf-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDefineTool_Invalid(t *testing.T) {
	ts := newTestServer(t)
	def := onboardingDefinition(false)
	def["actions"] = []any{map[string]any{"id": "a1", "type": "create_task", "config": map[string]any{}}}

	res, err := ts.handleDefine(context.Background(), buildRequest("automation.define", map[string]any{"definition": def}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "actions[0].config")

	res, err = ts.handleDefine(context.Background(), buildRequest("automation.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestExecuteTool(t *testing.T) {
	ts := newTestServer(t)
	ts.define(t, false)

	res, err := ts.handleExecute(context.Background(), buildRequest("automation.execute", map[string]any{
		"workflow_id":  "wf-1",
		"entity_id":    "c1",
		"trigger_data": map[string]any{"toStage": "onboarding"},
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, true, out["success"])

	tasks, err := ts.store.ListTasks(context.Background(), testTenant, "c1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Kickoff with Acme", tasks[0].Title)
}

func TestExecuteTool_Errors(t *testing.T) {
	ts := newTestServer(t)

	res, err := ts.handleExecute(context.Background(), buildRequest("automation.execute", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = ts.handleExecute(context.Background(), buildRequest("automation.execute", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), schema.ErrCodeWorkflowNotFound)

	noTenant := NewServer(ServerDeps{Engines: func(string) (Engine, error) { return nil, errors.New("unused") }})
	res, err = noTenant.handleExecute(context.Background(), buildRequest("automation.execute", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "tenant_id is required")
}

func TestRunsTool(t *testing.T) {
	ts := newTestServer(t)
	ts.define(t, false)
	ctx := context.Background()

	res, err := ts.handleExecute(ctx, buildRequest("automation.execute", map[string]any{"workflow_id": "wf-1", "entity_id": "c1"}))
	require.NoError(t, err)
	runID, _ := decodeResult(t, res)["runId"].(string)
	require.NotEmpty(t, runID)

	res, err = ts.handleRuns(ctx, buildRequest("automation.runs", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	runs, ok := decodeResult(t, res)["runs"].([]any)
	require.True(t, ok)
	assert.Len(t, runs, 1)

	res, err = ts.handleRuns(ctx, buildRequest("automation.runs", map[string]any{"status": "failed"}))
	require.NoError(t, err)
	runs, _ = decodeResult(t, res)["runs"].([]any)
	assert.Empty(t, runs)

	res, err = ts.handleRuns(ctx, buildRequest("automation.runs", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	replay, ok := out["replay"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", replay["status"])
	events, ok := out["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 3, "run_started, action_completed, run_completed")

	res, err = ts.handleRuns(ctx, buildRequest("automation.runs", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func pendingDeferral(t *testing.T, ts *testServer) string {
	t.Helper()
	list, err := ts.store.ListDeferrals(context.Background(), store.DeferralFilter{TenantID: testTenant})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0].ID
}

func TestApproveTool(t *testing.T) {
	ts := newTestServer(t)
	ts.define(t, true)
	ctx := context.Background()

	res, err := ts.handleExecute(ctx, buildRequest("automation.execute", map[string]any{"workflow_id": "wf-1", "entity_id": "c1"}))
	require.NoError(t, err)
	decodeResult(t, res)
	id := pendingDeferral(t, ts)

	res, err = ts.handleApprove(ctx, buildRequest("automation.approve", map[string]any{
		"deferral_id": id, "decision": "approve", "decided_by": "manager-1",
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	result, ok := out["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", result["status"])

	tasks, err := ts.store.ListTasks(ctx, testTenant, "c1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	res, err = ts.handleApprove(ctx, buildRequest("automation.approve", map[string]any{"deferral_id": id, "decision": "approve"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "a decision is final")
}

func TestApproveTool_Reject(t *testing.T) {
	ts := newTestServer(t)
	ts.define(t, true)
	ctx := context.Background()

	_, err := ts.handleExecute(ctx, buildRequest("automation.execute", map[string]any{"workflow_id": "wf-1", "entity_id": "c1"}))
	require.NoError(t, err)
	id := pendingDeferral(t, ts)

	res, err := ts.handleApprove(ctx, buildRequest("automation.approve", map[string]any{
		"deferral_id": id, "decision": "reject", "reason": "not this quarter",
	}))
	require.NoError(t, err)
	d, ok := decodeResult(t, res)["deferral"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rejected", d["status"])

	tasks, err := ts.store.ListTasks(ctx, testTenant, "c1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestApproveTool_WithoutResume(t *testing.T) {
	ts := newTestServer(t)
	ts.define(t, true)
	ctx := context.Background()

	_, err := ts.handleExecute(ctx, buildRequest("automation.execute", map[string]any{"workflow_id": "wf-1", "entity_id": "c1"}))
	require.NoError(t, err)
	id := pendingDeferral(t, ts)

	res, err := ts.handleApprove(ctx, buildRequest("automation.approve", map[string]any{
		"deferral_id": id, "decision": "approve", "resume": false,
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Nil(t, out["result"])

	d, err := ts.store.GetDeferral(ctx, testTenant, id)
	require.NoError(t, err)
	assert.Equal(t, schema.DeferralApproved, d.Status, "left for the scheduler to resume")
}

func TestScheduleTool(t *testing.T) {
	ts := newTestServer(t)

	res, err := ts.handleSchedule(context.Background(), buildRequest("automation.schedule", map[string]any{
		"workflow_id": "wf-1", "cron": "0 9 * * 1", "entity_id": "c1",
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, "job-1", out["id"])

	require.Len(t, ts.sched.jobs, 1)
	job := ts.sched.jobs[0]
	assert.Equal(t, testTenant, job.TenantID)
	assert.True(t, job.Enabled)
	assert.Equal(t, "0 9 * * 1", job.CronExpression)

	ts.sched.err = schema.NewError(schema.ErrCodeValidation, "bad cron")
	res, err = ts.handleSchedule(context.Background(), buildRequest("automation.schedule", map[string]any{
		"workflow_id": "wf-1", "cron": "whenever",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
