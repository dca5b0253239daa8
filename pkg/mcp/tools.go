package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// handleExecute fires one workflow run.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	eng, errResult := s.engineFor(req)
	if errResult != nil {
		return errResult, nil
	}
	if userID := req.GetString("user_id", ""); userID != "" {
		s.captureSession(ctx, userID)
	}

	trigger := mcp.ParseStringMap(req, "trigger_data", nil)
	result, runErr := eng.ExecuteWorkflow(ctx, workflowID, trigger, req.GetString("entity_id", ""))
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execute failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleDefine validates a definition and saves it unless dry_run is set.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := s.tenant(req)
	if errResult != nil {
		return errResult, nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed WorkflowDefinition.
	defBytes, marshalErr := gojson.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := gojson.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	def.TenantID = tenantID

	result := s.validator.Validate(&def)
	if !result.Valid() {
		issues, _ := gojson.Marshal(result.Errors)
		return mcp.NewToolResultError(fmt.Sprintf("definition is invalid: %s", issues)), nil
	}

	saved := !req.GetBool("dry_run", false)
	if saved {
		if storeErr := s.store.SaveWorkflow(ctx, &def); storeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", storeErr)), nil
		}
		s.logger.InfoContext(ctx, "workflow defined",
			"tenant_id", tenantID, "workflow_id", def.ID, "actions", len(def.Actions))
	}

	return marshalResult(map[string]any{
		"id":       def.ID,
		"valid":    true,
		"saved":    saved,
		"warnings": result.Warnings,
	})
}

// handleRuns lists runs, or returns one run with its events and the state
// replayed from them.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := s.tenant(req)
	if errResult != nil {
		return errResult, nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.store.GetRun(ctx, tenantID, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		events, err := s.store.GetEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
		replay, err := store.ReplayRun(ctx, s.store, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
		}
		deferrals, err := s.store.ListDeferrals(ctx, store.DeferralFilter{TenantID: tenantID, RunID: runID})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("deferral query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"run":       run,
			"events":    events,
			"replay":    replay,
			"deferrals": deferrals,
		})
	}

	filter := store.RunFilter{
		TenantID:   tenantID,
		WorkflowID: req.GetString("workflow_id", ""),
		EntityID:   req.GetString("entity_id", ""),
		Limit:      req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleApprove records a decision on an approval deferral and, for an
// approval, runs the action right away unless resume is false.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deferralID, err := req.RequireString("deferral_id")
	if err != nil {
		return mcp.NewToolResultError("deferral_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	eng, errResult := s.engineFor(req)
	if errResult != nil {
		return errResult, nil
	}
	decidedBy := req.GetString("decided_by", "")

	switch decision {
	case "reject":
		d, err := eng.RejectDeferral(ctx, deferralID, decidedBy, req.GetString("reason", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reject failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"deferral": d})
	case "approve":
		d, err := eng.ApproveDeferral(ctx, deferralID, decidedBy)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		if !req.GetBool("resume", true) {
			return marshalResult(map[string]any{"deferral": d})
		}
		result, err := eng.ResumeDeferral(ctx, deferralID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("approved but resume failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"deferral": d, "result": result})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown decision %q", decision)), nil
	}
}

// handleSchedule stores an enabled cron job for a workflow.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	tenantID, errResult := s.tenant(req)
	if errResult != nil {
		return errResult, nil
	}

	job := &store.ScheduledJob{
		TenantID:       tenantID,
		WorkflowID:     workflowID,
		EntityID:       req.GetString("entity_id", ""),
		CronExpression: cronExpr,
		TriggerData:    mcp.ParseStringMap(req, "trigger_data", nil),
		Enabled:        true,
	}
	if err := s.scheduler.ScheduleJob(ctx, job); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", err)), nil
	}
	return marshalResult(job)
}

// --- Internal helpers ---

func (s *Server) tenant(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	tenantID := req.GetString("tenant_id", s.defaultTenant)
	if tenantID == "" {
		return "", mcp.NewToolResultError("tenant_id is required")
	}
	return tenantID, nil
}

func (s *Server) engineFor(req mcp.CallToolRequest) (Engine, *mcp.CallToolResult) {
	tenantID, errResult := s.tenant(req)
	if errResult != nil {
		return nil, errResult
	}
	eng, err := s.engines(tenantID)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("engine unavailable for tenant %q: %v", tenantID, err))
	}
	return eng, nil
}

// captureSession maps the user to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := gojson.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
