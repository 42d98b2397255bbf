// Package mcp exposes a workspace to AI agents over the Model Context
// Protocol: search, open_file and index_status.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alpkeskin/gotoon"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/probehq/probe/search"
	"github.com/probehq/probe/service"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// Service is what the tools call; *service.Service satisfies it.
type Service interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
	OpenFile(path string, start, end int) (*search.FileLines, error)
	IndexStatus(ctx context.Context) service.Status
}

// Server wraps the MCP server with probe functionality.
type Server struct {
	mcpServer *server.MCPServer
	svc       Service
}

// SearchResultCompact drops snippets and related chunks.
type SearchResultCompact struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Stale     bool    `json:"stale"`
	Source    string  `json:"source"`
	Symbol    string  `json:"symbol,omitempty"`
}

// encodeOutput encodes data in the specified format (json or toon).
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default: // "json"
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

func NewServer(svc Service) *Server {
	s := &Server{svc: svc}

	s.mcpServer = server.NewMCPServer(
		"probe",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	searchTool := mcp.NewTool("search",
		mcp.WithDescription("Hybrid code search over the indexed workspace. Combines semantic and keyword matching and returns file regions with line numbers, snippets read from disk and a stale flag when the file changed since it was indexed."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language or identifier query (e.g., 'retry with backoff', 'ParseConfig')"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of results to return (default: 12)"),
		),
		mcp.WithString("mode",
			mcp.Enum("fast", "quality", "auto"),
			mcp.Description("fast skips the reranker, quality reranks, auto reranks when a reranker is configured (default: auto)"),
		),
		mcp.WithString("instruction",
			mcp.Description("Optional steering instruction for the reranker"),
		),
		mcp.WithObject("filters",
			mcp.Description("Optional filters: languages, chunk_kinds (code, doc, config), include_globs, exclude_globs"),
			mcp.Properties(map[string]any{
				"languages":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"chunk_kinds":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"include_globs": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"exclude_globs": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}),
		),
		mcp.WithBoolean("compact",
			mcp.Description("Return minimal output without snippets (default: false)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(searchTool, s.handleSearch)

	openFileTool := mcp.NewTool("open_file",
		mcp.WithDescription("Read exact lines from a workspace file on disk. Lines are numbered; the file hash and modification time let you tell whether a search result is current."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Workspace-relative file path"),
		),
		mcp.WithNumber("start_line",
			mcp.Required(),
			mcp.Description("First line, 1-based"),
		),
		mcp.WithNumber("end_line",
			mcp.Required(),
			mcp.Description("Last line, inclusive"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(openFileTool, s.handleOpenFile)

	indexStatusTool := mcp.NewTool("index_status",
		mcp.WithDescription("Check indexing health: watcher state, counts, generation, backend reachability and which retrieval signals are available."),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(indexStatusTool, s.handleIndexStatus)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	mode, err := search.ParseMode(request.GetString("mode", "auto"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	filters, err := parseFilters(request.GetArguments()["filters"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	results, err := s.svc.Search(ctx, search.Request{
		Query:       query,
		TopK:        request.GetInt("top_k", 0),
		Mode:        mode,
		Instruction: request.GetString("instruction", ""),
		Filters:     filters,
	})
	if err != nil {
		switch {
		case errors.Is(err, search.ErrBackendUnavailable):
			return mcp.NewToolResultError(fmt.Sprintf("index backend unreachable, results unavailable: %v", err)), nil
		case errors.Is(err, search.ErrIndexMismatch):
			return mcp.NewToolResultError(fmt.Sprintf("index does not match the embedding configuration: %v", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if results == nil {
		results = []search.Result{}
	}

	var data any = results
	if request.GetBool("compact", false) {
		compact := make([]SearchResultCompact, len(results))
		for i, r := range results {
			compact[i] = SearchResultCompact{
				Path:      r.Path,
				StartLine: r.StartLine,
				EndLine:   r.EndLine,
				Score:     r.Score,
				Stale:     r.Stale,
				Source:    r.Source,
				Symbol:    r.Symbol,
			}
		}
		data = compact
	}

	output, err := encodeOutput(data, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func parseFilters(raw any) (search.Filters, error) {
	var f search.Filters
	if raw == nil {
		return f, nil
	}
	// Arguments arrive as decoded JSON; a round trip maps them onto the
	// struct and rejects wrong types.
	data, err := json.Marshal(raw)
	if err != nil {
		return f, fmt.Errorf("invalid filters: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid filters: %w", err)
	}
	return f, nil
}

func (s *Server) handleOpenFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}
	start, err := request.RequireInt("start_line")
	if err != nil {
		return mcp.NewToolResultError("start_line parameter is required"), nil
	}
	end, err := request.RequireInt("end_line")
	if err != nil {
		return mcp.NewToolResultError("end_line parameter is required"), nil
	}

	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	lines, err := s.svc.OpenFile(path, start, end)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrPathEscapes):
			return mcp.NewToolResultError(fmt.Sprintf("path escapes project root: %s", path)), nil
		case errors.Is(err, search.ErrFileNotFound):
			return mcp.NewToolResultError(fmt.Sprintf("file not found: %s", path)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to read file: %v", err)), nil
	}

	output, err := encodeOutput(lines, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode file: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	output, err := encodeOutput(s.svc.IndexStatus(ctx), format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// Serve speaks MCP over stdin/stdout until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}
