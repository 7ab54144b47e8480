// Package mcp exposes the engine to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/eplua/internal/config"
	"github.com/zot/eplua/internal/engine"
)

const defaultTimeout = 30 * time.Second

// Host is the engine surface the MCP tools need.
type Host interface {
	Execute(ctx context.Context, name, code string) (engine.ExecResult, error)
	Status(ctx context.Context) (engine.Stats, error)
}

// Server wraps an MCP server whose tools run on the engine loop.
type Server struct {
	config *config.Config
	host   Host
	mcp    *server.MCPServer
}

// NewServer creates the MCP server and registers its tools.
func NewServer(cfg *config.Config, host Host, version string) *Server {
	s := &Server{
		config: cfg,
		host:   host,
		mcp:    server.NewMCPServer("eplua", version, server.WithToolCapabilities(true)),
	}
	s.registerTools()
	return s
}

// Serve speaks MCP over in and out until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.config.Log(1, "MCP: serving on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("execute_lua",
		mcp.WithDescription("Run Lua code in the engine and return its result and printed output"),
		mcp.WithString("code", mcp.Required(), mcp.Description("Lua source to run")),
		mcp.WithNumber("timeout", mcp.Description("Timeout in seconds (default 30)")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool("engine_status",
		mcp.WithDescription("Report active timers, pending callbacks and uptime"),
	), s.handleStatus)
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := defaultTimeout
	if secs := req.GetFloat("timeout", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.host.Execute(ctx, "mcp", code)
	if err != nil {
		msg := err.Error()
		if len(res.Output) > 0 {
			msg += "\n\nOutput:\n" + strings.Join(res.Output, "\n")
		}
		return mcp.NewToolResultError(msg), nil
	}

	data, err := json.Marshal(map[string]any{
		"result": res.Result,
		"output": strings.Join(res.Output, "\n"),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.host.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
