package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing the digest corpus and run
// history as agent tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"frontier",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("frontier — categorized and summarized AI-frontier content with per-user relevance rankings."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("latest_digests",
			mcp.WithDescription("Return the most recently published digests (category, summary, link)."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpLatestDigests(deps),
	)

	s.AddTool(
		mcp.NewTool("search_digests",
			mcp.WithDescription("Search digest titles and summaries for a substring."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchDigests(deps),
	)

	s.AddTool(
		mcp.NewTool("get_digest",
			mcp.WithDescription("Fetch one digest by id, including its full summary and rationale."),
			mcp.WithString("id", mcp.Description("Digest id (source:source_id)"), mcp.Required()),
		),
		mcpGetDigest(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://latest",
			"Latest Pipeline Run",
			mcp.WithResourceDescription("The most recent pipeline run record as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLatestRun(deps),
	)

	return s
}

type digestResult struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Category    string  `json:"category"`
	Summary     string  `json:"summary"`
	Confidence  float64 `json:"confidence"`
	URL         string  `json:"url,omitempty"`
	PublishedAt string  `json:"published_at"`
}

func digestResults(digests []storage.Digest) []digestResult {
	results := make([]digestResult, len(digests))
	for i, d := range digests {
		results[i] = digestResult{
			ID:          d.ID,
			Title:       d.Title,
			Category:    d.Category,
			Summary:     d.Summary,
			Confidence:  d.Confidence,
			URL:         d.URL,
			PublishedAt: d.PublishedAt.Format(time.RFC3339),
		}
	}
	return results
}

func mcpLatestDigests(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := clampLimit(req.GetInt("limit", 10))

		digests, err := deps.Store.ListRecentDigests(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list digests: %v", err)), nil
		}

		b, err := json.Marshal(digestResults(digests))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDigests(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := clampLimit(req.GetInt("limit", 10))

		digests, err := deps.Store.SearchDigests(query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(digestResults(digests))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetDigest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		d, err := deps.Store.GetDigest(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("digest %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get digest: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"id":           d.ID,
			"title":        d.Title,
			"category":     d.Category,
			"summary":      d.Summary,
			"confidence":   d.Confidence,
			"rationale":    d.Rationale,
			"url":          d.URL,
			"published_at": d.PublishedAt.Format(time.RFC3339),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal digest: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceLatestRun(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		run, err := deps.Store.LatestRun()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("no runs recorded")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get latest run: %w", err)
		}

		b, err := json.Marshal(run)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal run: %w", err)
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

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 50 {
		return 50
	}
	return limit
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
