package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qualagents/qualagents/internal/analysis"
	"github.com/qualagents/qualagents/internal/memory"
	"github.com/qualagents/qualagents/internal/storage"
)

// RecentLister reads the most recently submitted analyses.
type RecentLister interface {
	ListRecentAnalyses(limit int) ([]storage.Analysis, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Analyses AnalysisService
	Memory   MemorySearcher
	Embedder Embedder
	Recent   RecentLister
}

// NewMCPServer creates an MCP server exposing analysis submission, status
// reads and memory recall as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"qualagents",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("qualagents — analysis orchestration and memory engine for qualitative research data."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_analysis",
			mcp.WithDescription("Submit text for asynchronous qualitative analysis by a project agent. Returns the analysis id immediately."),
			mcp.WithString("project_id", mcp.Description("Project the analysis belongs to"), mcp.Required()),
			mcp.WithString("agent_id", mcp.Description("Agent configuration to analyze with"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The text to analyze"), mcp.Required()),
			mcp.WithString("approach", mcp.Description("Analytical approach: thematic, grounded_theory, phenomenological, narrative, or discourse")),
		),
		mcpSubmitAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("analysis_status",
			mcp.WithDescription("Check the status of a submitted analysis; returns the result when completed."),
			mcp.WithString("id", mcp.Description("Analysis id"), mcp.Required()),
		),
		mcpAnalysisStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_memory",
			mcp.WithDescription("Semantically search a project's accumulated analysis memory."),
			mcp.WithString("project_id", mcp.Description("Project to search within"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Optional entry type filter: summary, insight, or fragment")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecallMemory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"analysis://recent",
			"Recent Analyses",
			mcp.WithResourceDescription("Last 10 submitted analyses with their statuses"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		analyses, err := deps.Recent.ListRecentAnalyses(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent analyses: %w", err)
		}

		out := make([]analysisResponse, len(analyses))
		for i, an := range analyses {
			out[i] = toAnalysisResponse(an)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal analyses: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpSubmitAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		params := analysis.Params{Approach: req.GetString("approach", "")}
		id, err := deps.Analyses.Submit(ctx, projectID, agentID, text, params)
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Accepted analysis %s (status: pending)", id)), nil
	}
}

func mcpAnalysisStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		an, err := deps.Analyses.GetJob(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		out := map[string]any{
			"id":     an.ID,
			"status": string(an.Status),
		}
		if an.ErrorDetail != "" {
			out["error"] = an.ErrorDetail
		}
		if result, err := deps.Analyses.GetResult(ctx, id); err == nil {
			out["result"] = json.RawMessage(result)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecallMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		vec, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to embed query: %v", err)), nil
		}

		matches, err := deps.Memory.Search(ctx, memory.Query{
			Embedding: vec,
			ProjectID: projectID,
			Type:      memory.EntryType(req.GetString("type", "")),
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		type matchResult struct {
			ID        string    `json:"id"`
			Text      string    `json:"text"`
			Type      string    `json:"type"`
			Tag       string    `json:"tag,omitempty"`
			Score     float64   `json:"score"`
			CreatedAt time.Time `json:"created_at"`
		}
		results := make([]matchResult, len(matches))
		for i, m := range matches {
			results[i] = matchResult{
				ID:        m.Entry.ID,
				Text:      m.Entry.Text,
				Type:      string(m.Entry.Type),
				Tag:       m.Entry.Tag,
				Score:     m.Score,
				CreatedAt: m.Entry.CreatedAt,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
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
