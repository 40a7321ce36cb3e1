package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
)

const (
	ServerName    = "internal-tool-server"
	ServerVersion = "1.0.0"

	SearchWebTool      = "search_web"
	AnalyzeRequestTool = "analyze_request"
)

// SearchResult is one hit returned by search_web.
type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Analysis is returned by analyze_request.
type Analysis struct {
	Summary   string `json:"summary"`
	WordCount int    `json:"wordCount"`
}

// NewServer builds the built-in tool server. It is served over stdio by
// controlplane-toolserver or called in-process by NewInProcessInvoker.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool(SearchWebTool,
		mcp.WithDescription("Search the web for a query"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
	), handleSearchWeb)

	s.AddTool(mcp.NewTool(AnalyzeRequestTool,
		mcp.WithDescription("Summarize a free-form request"),
		mcp.WithString("goal", mcp.Required(), mcp.Description("Request text")),
	), handleAnalyzeRequest)

	return s
}

// SearchWeb returns canned results so the protocol path can be exercised without network access.
func SearchWeb(query string) []SearchResult {
	return []SearchResult{
		{Title: "Real Protocol Result for: " + query, URL: "https://mcp.io/docs"},
		{Title: "Model Context Protocol specification", URL: "https://modelcontextprotocol.io"},
	}
}

func AnalyzeRequest(goal string) Analysis {
	words := strings.Fields(goal)
	summary := strings.Join(words, " ")
	if len(words) > 12 {
		summary = strings.Join(words[:12], " ") + " ..."
	}
	return Analysis{Summary: summary, WordCount: len(words)}
}

func handleSearchWeb(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := stringArgument(request, "query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(SearchWeb(query))
}

func handleAnalyzeRequest(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal, err := stringArgument(request, "goal")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(AnalyzeRequest(goal))
}

func stringArgument(request mcp.CallToolRequest, key string) (string, error) {
	v, ok := request.GetArguments()[key]
	if !ok {
		return "", errors.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
