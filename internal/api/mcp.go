package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keepsake-dev/keepsake/internal/briefing"
	"github.com/keepsake-dev/keepsake/internal/compress"
	"github.com/keepsake-dev/keepsake/internal/gemini"
	"github.com/keepsake-dev/keepsake/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Briefing   *briefing.Builder
	Summarizer SessionSummarizer
	Capability gemini.Capability
}

// NewMCPServer creates an MCP server with all memory tools registered. The
// MCP transport is stdio-bound and has no queue behind it, so memory_observe
// compresses inline (best effort) instead of going through the pipeline.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"keepsake",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("keepsake — persistent memory for coding sessions: capture what happened, recall it next time."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("memory_start_session",
			mcp.WithDescription("Create a new memory session to track coding work for a project. Call this at the START of a task. After making changes, use memory_save_note to record what you did (this is required for good summaries). When done, call memory_end_session."),
			mcp.WithString("projectPath", mcp.Description("Absolute path to the project directory"), mcp.Required()),
			mcp.WithString("userPrompt", mcp.Description("What the user wants to accomplish in this session")),
		),
		mcpStartSession(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_save_note",
			mcp.WithDescription("Save a note to the active session. Call this AFTER every significant action to record what happened. This is the PRIMARY way context is captured for future sessions. Be detailed: include file names, what changed, and why."),
			mcp.WithString("sessionId", mcp.Description("The active session ID"), mcp.Required()),
			mcp.WithString("userPrompt", mcp.Description("What the user asked or requested")),
			mcp.WithString("aiResponse", mcp.Description("Detailed summary of what you did: files created/modified, components added, logic changes. Be specific with file paths and function names.")),
			mcp.WithString("annotation", mcp.Description("Key decisions, trade-offs, gotchas, dependencies added, or things left incomplete for follow-up")),
		),
		mcpSaveNote(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_get_context",
			mcp.WithDescription("Retrieve past session context for a project. Use this at the START of a conversation to load historical knowledge about the codebase: what was done before, key decisions, files modified."),
			mcp.WithString("projectPath", mcp.Description("Absolute path to the project directory"), mcp.Required()),
			mcp.WithString("currentPrompt", mcp.Description("The current user prompt, used to find relevant past sessions")),
		),
		mcpGetContext(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_end_session",
			mcp.WithDescription("End and summarize a coding session. This generates a rich summary from all saved notes and observations. Call this when the user is done with a task. Make sure you called memory_save_note at least once BEFORE calling this, otherwise the summary will be empty."),
			mcp.WithString("sessionId", mcp.Description("The session ID to finalize"), mcp.Required()),
		),
		mcpEndSession(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_observe",
			mcp.WithDescription("Record a coding action/observation in the current session. Use this when you make a significant change (create file, modify component, fix bug)."),
			mcp.WithString("sessionId", mcp.Description("The active session ID"), mcp.Required()),
			mcp.WithString("action", mcp.Description("What action was performed (e.g. \"created file\", \"modified component\", \"fixed bug\")"), mcp.Required()),
			mcp.WithString("details", mcp.Description("Details of the change: files affected, what changed, why"), mcp.Required()),
			mcp.WithBoolean("compress", mcp.Description("Whether to compress this observation immediately (default true)")),
		),
		mcpObserve(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_list_sessions",
			mcp.WithDescription("List recent coding sessions for a project, including their status, summaries, and observation counts."),
			mcp.WithString("projectPath", mcp.Description("Absolute path to the project directory"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return (default 5)")),
		),
		mcpListSessions(deps),
	)

	return s
}

func mcpStartSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectPath, err := req.RequireString("projectPath")
		if err != nil {
			return mcpError("projectPath is required"), nil
		}
		userPrompt := req.GetString("userPrompt", "")

		session, err := deps.Store.CreateSession(projectPath, userPrompt)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create session: %v", err)), nil
		}

		return mcpText(fmt.Sprintf(
			"Memory session started.\nSession ID: %s\nProject: %s\nUse this session ID for save_note and end_session calls.",
			session.ID, projectPath,
		)), nil
	}
}

func mcpSaveNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}
		userPrompt := req.GetString("userPrompt", "")
		aiResponse := req.GetString("aiResponse", "")
		annotation := req.GetString("annotation", "")

		if userPrompt == "" && aiResponse == "" && annotation == "" {
			return mcpError("provide at least one of userPrompt, aiResponse, or annotation"), nil
		}
		if _, err := deps.Store.GetSession(sessionID); errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session not found: %s", sessionID)), nil
		}

		note, err := deps.Store.SaveNote(sessionID, userPrompt, aiResponse, annotation, storage.NoteSourceManual)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save note: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Note saved (%s). Prompt/response recorded for future context.", note.ID)), nil
	}
}

func mcpGetContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectPath, err := req.RequireString("projectPath")
		if err != nil {
			return mcpError("projectPath is required"), nil
		}
		currentPrompt := req.GetString("currentPrompt", "")

		briefingText, err := deps.Briefing.Build(projectPath, currentPrompt, 0, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build context: %v", err)), nil
		}

		return mcpText(briefingText), nil
	}
}

func mcpEndSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}

		summary, err := deps.Summarizer.Summarize(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session not found: %s", sessionID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("error summarizing: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Session summarized and saved.\n\nSummary:\n%s", summary)), nil
	}
}

func mcpObserve(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return mcpError("action is required"), nil
		}
		details, err := req.RequireString("details")
		if err != nil {
			return mcpError("details is required"), nil
		}
		doCompress := req.GetBool("compress", true)

		args, err := json.Marshal(map[string]string{"details": details})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal details: %v", err)), nil
		}

		obs, err := deps.Store.SaveObservation(sessionID, action, string(args), "")
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session not found: %s", sessionID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save observation: %v", err)), nil
		}
		if err := deps.Store.UpdateObservationResult(obs.ID, details); err != nil {
			return mcpError(fmt.Sprintf("failed to record result: %v", err)), nil
		}

		// Best effort: a failed compression still leaves a captured
		// observation behind, which the summarizer can live with.
		if doCompress {
			compressed, err := deps.Capability.Compress(ctx, action, string(args), details)
			if err == nil {
				originalTokens := compress.EstimateTokens(string(args) + details)
				compressedTokens := compress.EstimateTokens(compressed)
				if err := deps.Store.MarkObservationCompressed(obs.ID, compressed, originalTokens, compressedTokens); err != nil {
					return mcpError(fmt.Sprintf("observation recorded but compression not stored: %v", err)), nil
				}
			}
		}

		return mcpText(fmt.Sprintf("Observation recorded (%s): %s", obs.ID, action)), nil
	}
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectPath, err := req.RequireString("projectPath")
		if err != nil {
			return mcpError("projectPath is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}

		sessions, err := deps.Store.GetRecentSessions(projectPath, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sessions: %v", err)), nil
		}
		if len(sessions) == 0 {
			return mcpText(fmt.Sprintf("No completed sessions found for %s", projectPath)), nil
		}

		lines := make([]string, 0, len(sessions))
		for _, s := range sessions {
			date := s.CreatedAt.UTC().Format("2006-01-02")
			prompt := s.UserPrompt
			if prompt == "" {
				prompt = "No prompt"
			}
			lines = append(lines, fmt.Sprintf("[%s] %s (%s) - %s | %d observations",
				date, s.ID, s.Status, prompt, s.TotalObservations))
		}
		return mcpText("Recent sessions:\n" + strings.Join(lines, "\n")), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
