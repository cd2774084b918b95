// Package mcpquery exposes read-only bridge state as MCP tools.
package mcpquery

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/protobridge/internal/bridge"
	"github.com/gaspardpetit/protobridge/internal/migration"
)

// Tool names.
const (
	ToolState   = "bridge_state"
	ToolMetrics = "bridge_metrics"
)

// Source provides bridge snapshots.
type Source interface {
	State() bridge.State
}

// NewServer builds an MCP server with the bridge query tools.
func NewServer(src Source, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"protobridge",
		version,
		server.WithResourceCapabilities(false, false),
		server.WithToolCapabilities(false),
		server.WithPromptCapabilities(false),
	)
	s.AddTool(mcp.NewTool(ToolState,
		mcp.WithDescription("Current migration phase, session counts, and connected sessions of the bridge."),
		mcp.WithBoolean("include_sessions", mcp.Description("List connected sessions (default true).")),
	), stateHandler(src))
	s.AddTool(mcp.NewTool(ToolMetrics,
		mcp.WithDescription("Per-class routing latency, throughput, error counters, and error rates."),
	), metricsHandler(src))
	return s
}

// NewHandler serves the query tools over streamable HTTP.
func NewHandler(src Source, version string) http.Handler {
	return server.NewStreamableHTTPServer(
		NewServer(src, version),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return ctx
		}),
	)
}

func stateHandler(src Source) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := src.State()
		out := struct {
			Migration migration.State      `json:"migration"`
			Processed uint64               `json:"processed"`
			Sessions  []bridge.SessionInfo `json:"sessions,omitempty"`
		}{Migration: st.Migration, Processed: st.Processed}
		if req.GetBool("include_sessions", true) {
			out.Sessions = st.Sessions
		}
		return jsonResult(out)
	}
}

func metricsHandler(src Source) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := src.State()
		return jsonResult(st.Metrics)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
