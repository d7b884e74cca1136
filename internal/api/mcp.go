package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mnemo/internal/pipeline"
)

// NewMCPServer creates an MCP server exposing the chat memory as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"mnemo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("mnemo answers questions with a local model and remembers every exchange per owner."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question. The answer uses the owner's recent history and remembered summaries, and the exchange is stored."),
			mcp.WithString("owner", mcp.Description("Whose conversation this is"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Semantically search remembered summaries for an owner or across the shared general memory."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("owner", mcp.Description("Owner whose memory to search (required for user scope)")),
			mcp.WithString("scope", mcp.Description("user (default) or general"), mcp.Enum("user", "general")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("history",
			mcp.WithDescription("List an owner's stored chat turns and rolling summaries, oldest first."),
			mcp.WithString("owner", mcp.Description("Owner to list"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of turns and summaries (default 10)")),
		),
		mcpHistory(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner")
		if err != nil {
			return mcpError("owner is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		start := time.Now()
		resp, err := deps.Responder.Respond(ctx, owner, question)
		deps.observe(start, err)
		if err != nil {
			return mcpError(pipeline.UserMessage(err)), nil
		}
		return mcpText(resp.Answer), nil
	}
}

func mcpRecall(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		hits, err := recall(ctx, deps.Index, RecallRequest{
			Owner: req.GetString("owner", ""),
			Query: query,
			Scope: req.GetString("scope", "user"),
			Limit: req.GetInt("limit", 5),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpHistory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner")
		if err != nil {
			return mcpError("owner is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		limit = min(limit, 500)

		hist, err := readHistory(ctx, deps.Memory, owner, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("reading history failed: %v", err)), nil
		}
		b, err := json.Marshal(hist)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
