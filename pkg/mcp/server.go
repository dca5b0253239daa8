package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/growthpigs/bravo-revos-sub004/internal/engine"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/internal/validation"
	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// Engine is the slice of *engine.Engine the tools call.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, entityID string) (*engine.RunResult, error)
	ApproveDeferral(ctx context.Context, deferralID, decidedBy string) (*store.Deferral, error)
	RejectDeferral(ctx context.Context, deferralID, decidedBy, reason string) (*store.Deferral, error)
	ResumeDeferral(ctx context.Context, deferralID string) (*schema.ActionResult, error)
}

// EngineFactory returns the engine bound to a tenant.
type EngineFactory func(tenantID string) (Engine, error)

// JobScheduler stores cron schedules. *scheduler.Scheduler satisfies it.
type JobScheduler interface {
	ScheduleJob(ctx context.Context, job *store.ScheduledJob) error
}

// ServerDeps holds the dependencies of a Server. Scheduler is optional; the
// automation.schedule tool is only registered when it is set.
type ServerDeps struct {
	Engines       EngineFactory
	Store         store.Store
	Validator     validation.Validator
	Scheduler     JobScheduler
	Sessions      *SessionRegistry
	DefaultTenant string
	Logger        *slog.Logger
}

// Server exposes the automation engine as MCP tools.
type Server struct {
	engines       EngineFactory
	store         store.Store
	validator     validation.Validator
	scheduler     JobScheduler
	sessions      *SessionRegistry
	defaultTenant string
	logger        *slog.Logger
	mcpServer     *server.MCPServer
}

// NewServer creates a Server with its tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		engines:       deps.Engines,
		store:         deps.Store,
		validator:     deps.Validator,
		scheduler:     deps.Scheduler,
		sessions:      sessions,
		defaultTenant: deps.DefaultTenant,
		logger:        logger,
	}

	mcpSrv := server.NewMCPServer(
		"revos-automation",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Automation workflow engine. Use automation.define to register a workflow, automation.execute to fire it for an entity, automation.runs to inspect run history and audit events, and automation.approve to decide approval-gated actions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry that maps users to MCP sessions.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: approveTool(), Handler: s.handleApprove},
	}
	if s.scheduler != nil {
		tools = append(tools, server.ServerTool{Tool: scheduleTool(), Handler: s.handleSchedule})
	}
	return tools
}

// --- Tool definitions ---

func tenantOption() mcp.ToolOption {
	return mcp.WithString("tenant_id", mcp.Description("Tenant scope (default: the server's tenant)"))
}

func executeTool() mcp.Tool {
	return mcp.NewTool("automation.execute",
		mcp.WithDescription("Execute a workflow for a triggering event"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("entity_id", mcp.Description("ID of the client entity the event concerns")),
		mcp.WithObject("trigger_data", mcp.Description("Payload of the triggering event")),
		mcp.WithString("user_id", mcp.Description("ID of the calling user, used to route notifications to this session")),
		tenantOption(),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("automation.define",
		mcp.WithDescription("Validate and save a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: id, name, active, triggers, actions")),
		mcp.WithBoolean("dry_run", mcp.Description("Validate only, do not save")),
		tenantOption(),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("automation.runs",
		mcp.WithDescription("List workflow runs, or fetch one run with its audit events"),
		mcp.WithString("run_id", mcp.Description("Fetch a single run with its events and replayed state")),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow")),
		mcp.WithString("entity_id", mcp.Description("Filter by entity")),
		mcp.WithString("status", mcp.Enum("running", "completed", "failed", "skipped"), mcp.Description("Filter by run status")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 50)")),
		tenantOption(),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("automation.approve",
		mcp.WithDescription("Approve or reject an approval-gated action; approved actions run immediately unless resume is false"),
		mcp.WithString("deferral_id", mcp.Required(), mcp.Description("ID of the pending deferral")),
		mcp.WithString("decision", mcp.Required(), mcp.Enum("approve", "reject"), mcp.Description("The decision")),
		mcp.WithString("decided_by", mcp.Description("ID of the deciding user")),
		mcp.WithString("reason", mcp.Description("Rejection reason")),
		mcp.WithBoolean("resume", mcp.Description("Run the approved action now (default true)")),
		tenantOption(),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("automation.schedule",
		mcp.WithDescription("Re-run a workflow on a cron schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression")),
		mcp.WithString("entity_id", mcp.Description("Entity each run concerns")),
		mcp.WithObject("trigger_data", mcp.Description("Payload passed to every run")),
		tenantOption(),
	)
}
