package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tabula/internal/engine"
	"github.com/rendis/tabula/internal/expressions"
	"github.com/rendis/tabula/internal/extensions"
	"github.com/rendis/tabula/internal/store"
)

// TabulaServerDeps holds the dependencies for creating a TabulaServer.
type TabulaServerDeps struct {
	Manager    *engine.Manager
	Store      store.Store
	Extensions *extensions.Manager
	Engines    *expressions.Engines
	Logger     *slog.Logger
}

// TabulaServer wraps an MCP server with the tabula tool handlers.
type TabulaServer struct {
	manager    *engine.Manager
	store      store.Store
	extensions *extensions.Manager
	engines    *expressions.Engines
	logger     *slog.Logger
	sessions   *SessionRegistry
	mcpServer  *server.MCPServer
}

// NewTabulaServer creates a TabulaServer with all 6 tools registered.
func NewTabulaServer(deps TabulaServerDeps) *TabulaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &TabulaServer{
		manager:    deps.Manager,
		store:      deps.Store,
		extensions: deps.Extensions,
		engines:    deps.Engines,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"tabula",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tabula is a multiplayer tabletop session engine. Use tabula.session to create and manage game sessions, tabula.submit to play actions, tabula.approve to resolve pending approvals, tabula.state to read the shared state, tabula.extension to manage rule extensions, and tabula.query to inspect approvals, the patch journal, or run jq queries over the state."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TabulaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TabulaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the participant-to-session registry.
func (s *TabulaServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *TabulaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: sessionTool(), Handler: s.handleSession},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: extensionTool(), Handler: s.handleExtension},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func sessionTool() mcp.Tool {
	return mcp.NewTool("tabula.session",
		mcp.WithDescription("Create, load, save, list, or delete game sessions"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "load", "save", "list", "delete"),
			mcp.Description("Session lifecycle operation"),
		),
		mcp.WithString("session_id", mcp.Description("Target session ID (required for load, save, delete)")),
		mcp.WithString("name", mcp.Description("Session name (create)")),
		mcp.WithObject("initial_state", mcp.Description("Initial shared state payload (create)")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("tabula.submit",
		mcp.WithDescription("Submit an action request to a game session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session ID")),
		mcp.WithString("action_type", mcp.Required(), mcp.Description("Action type, e.g. token.move or spell.cast")),
		mcp.WithObject("params", mcp.Description("Action parameters")),
		mcp.WithString("requester_id", mcp.Required(), mcp.Description("ID of the participant submitting the action")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("tabula.approve",
		mcp.WithDescription("Resolve a pending approval. Only privileged participants can resolve"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session ID")),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the suspended request")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "deny"),
			mcp.Description("Approval decision"),
		),
		mcp.WithString("resolver_id", mcp.Required(), mcp.Description("ID of the resolving participant")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("tabula.state",
		mcp.WithDescription("Read the committed shared state of a session, optionally at a JSON pointer path"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session ID")),
		mcp.WithString("path", mcp.Description("JSON pointer into the state, e.g. /tokens/t1 (default: whole payload)")),
	)
}

func extensionTool() mcp.Tool {
	return mcp.NewTool("tabula.extension",
		mcp.WithDescription("Load, unload, or list rule extensions"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("load", "unload", "list"),
			mcp.Description("Extension lifecycle operation"),
		),
		mcp.WithObject("manifest", mcp.Description("Extension manifest (load)")),
		mcp.WithString("origin_id", mcp.Description("Extension origin ID (unload)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("tabula.query",
		mcp.WithDescription("Query session records: pending approvals, the patch journal, or a jq expression over the state"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("approvals", "journal", "state"),
			mcp.Description("What to query"),
		),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session ID")),
		mcp.WithString("query", mcp.Description("jq expression over {state, params, requester} (state)")),
		mcp.WithString("status", mcp.Description("Approval status filter (approvals; default pending)")),
		mcp.WithNumber("since", mcp.Description("Return journal entries after this sequence number (journal)")),
	)
}
