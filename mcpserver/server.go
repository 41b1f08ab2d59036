// Package mcpserver exposes sr-antiproxy over the Model Context Protocol
// via stdio, with two tools: config_summary and recent_attempts.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jbctechsolutions/sr-antiproxy/config"
	"github.com/jbctechsolutions/sr-antiproxy/telemetry"
)

// Server exposes sr-antiproxy capabilities over MCP using stdio transport.
type Server struct {
	cfg       *config.Config
	telemetry *telemetry.Collector
}

// NewServer constructs a Server from the already-loaded config and an
// optional telemetry collector (nil disables the recent_attempts tool).
func NewServer(cfg *config.Config, tel *telemetry.Collector) *Server {
	return &Server{cfg: cfg, telemetry: tel}
}

// Start registers both tools with a new MCP server and serves requests
// over stdio. It blocks until stdin is closed or an error occurs.
func (s *Server) Start() error {
	mcp := server.NewMCPServer(
		"sr-antiproxy",
		"0.1.0",
		server.WithToolCapabilities(true),
	)

	mcp.AddTool(mcpgo.NewTool("config_summary",
		mcpgo.WithDescription("Show the active anti-truncation configuration: upstream base URLs, max attempts, done marker, keepalive and idle-timeout settings"),
	), s.handleConfigSummary)

	mcp.AddTool(mcpgo.NewTool("recent_attempts",
		mcpgo.WithDescription("List the most recent anti-truncation attempts recorded in telemetry"),
		mcpgo.WithString("limit",
			mcpgo.Description("Maximum number of attempts to return (default 20)"),
		),
	), s.handleRecentAttempts)

	return server.ServeStdio(mcp)
}

// configSummaryResult is the JSON shape returned by the config_summary
// tool.
type configSummaryResult struct {
	Upstreams                  config.Upstreams `json:"upstreams"`
	ModelPrefix                string           `json:"model_prefix"`
	DoneMarker                 string           `json:"done_marker"`
	MaxAttempts                int              `json:"max_attempts"`
	KeepaliveIntervalSeconds   float64          `json:"keepalive_interval_seconds"`
	UpstreamIdleTimeoutSeconds float64          `json:"upstream_idle_timeout_seconds"`
	TrustProxyHeaders          bool             `json:"trust_proxy_headers"`
}

func (s *Server) handleConfigSummary(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	result := configSummaryResult{
		Upstreams:                  s.cfg.Upstreams,
		ModelPrefix:                s.cfg.AntiTruncation.ModelPrefix,
		DoneMarker:                 s.cfg.AntiTruncation.DoneMarker,
		MaxAttempts:                s.cfg.AntiTruncation.MaxAttempts,
		KeepaliveIntervalSeconds:   s.cfg.AntiTruncation.KeepaliveIntervalSeconds,
		UpstreamIdleTimeoutSeconds: s.cfg.AntiTruncation.UpstreamIdleTimeoutSeconds,
		TrustProxyHeaders:          s.cfg.TrustedProxy.TrustProxyHeaders,
	}

	b, err := json.Marshal(result)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

func (s *Server) handleRecentAttempts(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.telemetry == nil {
		return mcpgo.NewToolResultError("telemetry collector not available"), nil
	}

	limit := 20
	if raw := req.GetString("limit", ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	attempts, err := s.telemetry.RecentAttempts(limit)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("list recent attempts: %v", err)), nil
	}

	b, err := json.Marshal(attempts)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}
