package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/trigger"
	"github.com/rendis/flowrun/internal/waitpoint"
	"github.com/rendis/flowrun/pkg/schema"
)

// Engine is the subset of *engine.Engine the tools drive.
type Engine interface {
	StartByID(ctx context.Context, definitionID string, in engine.StartInput) (*store.Run, error)
	Status(ctx context.Context, runID string) (*engine.RunSnapshot, error)
	CompleteToken(ctx context.Context, tokenID string, payload any) (*waitpoint.Resolution, error)
}

// DefinitionValidator checks a definition before it is stored.
type DefinitionValidator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// ScheduleSyncer refreshes cron schedules after a definition changes.
type ScheduleSyncer interface {
	Sync(ctx context.Context) error
}

// ServerDeps holds the dependencies for creating a Server. Validator,
// Dispatcher, Scheduler and Hub are optional.
type ServerDeps struct {
	Engine     Engine
	Store      store.Store
	Validator  DefinitionValidator
	Dispatcher *trigger.Dispatcher
	Scheduler  ScheduleSyncer
	Hub        streaming.EventHub
	Logger     *slog.Logger
	Version    string
}

// Server wraps an MCP server with the flowrun tool handlers.
type Server struct {
	engine     Engine
	store      store.Store
	validator  DefinitionValidator
	dispatcher *trigger.Dispatcher
	scheduler  ScheduleSyncer
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:     deps.Engine,
		store:      deps.Store,
		validator:  deps.Validator,
		dispatcher: deps.Dispatcher,
		scheduler:  deps.Scheduler,
		hub:        deps.Hub,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowrun",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowrun executes workflow definitions: graphs of action, conditional, loop and wait nodes. Use flowrun.define to store a definition, flowrun.run to start it, flowrun.status and flowrun.runs to inspect runs, flowrun.complete_token to resume a waiting run, and flowrun.diagram to draw a definition or run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. When a hub is configured, run outcomes are pushed to the
// session that started the run.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		n := NewRunNotifier(s.mcpServer, s.sessions, s.logger)
		go func() {
			if err := n.Watch(ctx, s.hub); err != nil && ctx.Err() == nil {
				s.logger.Warn("mcp: run notifier stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: completeTokenTool(), Handler: s.handleCompleteToken},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flowrun.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: {id, name, trigger, nodes, edges, settings}")),
		mcp.WithString("id", mcp.Description("Definition ID (default: definition.id, or a generated UUID)")),
		mcp.WithString("company_id", mcp.Description("Owning company; empty makes the definition visible to every company")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flowrun.run",
		mcp.WithDescription("Start a run of a stored definition, or dispatch an event to every matching definition"),
		mcp.WithString("definition_id", mcp.Description("ID of the definition to run")),
		mcp.WithObject("payload", mcp.Description("Trigger payload for definition_id runs")),
		mcp.WithString("company_id", mcp.Description("Company the run belongs to")),
		mcp.WithObject("event", mcp.Description("Event {type, company_id, payload} matched against definition triggers")),
		mcp.WithBoolean("wait", mcp.Description("Block until a definition_id run completes, fails or starts waiting")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowrun.status",
		mcp.WithDescription("Get a run with its step ledger"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("flowrun.runs",
		mcp.WithDescription("List runs"),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this definition")),
		mcp.WithString("company_id", mcp.Description("Only runs of this company")),
		mcp.WithString("status", mcp.Enum("queued", "running", "waiting", "completed", "failed"), mcp.Description("Only runs in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs returned (default 50)")),
	)
}

func completeTokenTool() mcp.Tool {
	return mcp.NewTool("flowrun.complete_token",
		mcp.WithDescription("Complete a wait token and resume the waiting run"),
		mcp.WithString("token_id", mcp.Required(), mcp.Description("ID of the wait token")),
		mcp.WithObject("payload", mcp.Description("Resolution payload recorded as the wait node output")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowrun.diagram",
		mcp.WithDescription("Draw a definition, or a run with its step status overlaid. Returns Mermaid flowchart syntax, SVG markup or a PNG image"),
		mcp.WithString("definition_id", mcp.Description("Definition to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw (includes step status)")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "svg", "png"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
