package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/krelab/sandpool/config"
	"github.com/krelab/sandpool/sandbox"
)

// SandboxManager is the pool surface the server needs. *sandbox.Pool
// satisfies it; tests substitute a mock.
type SandboxManager interface {
	EnsureImage(ctx context.Context) error
	Create(ctx context.Context, userID string) (string, error)
	Execute(ctx context.Context, userID, source string) (sandbox.ExecResult, error)
	Stop(ctx context.Context, userID string) error
	Status(userID string) (sandbox.Record, bool)
	ListActive() []sandbox.Record
	ActiveCount() int
	HasCapacity() bool
	Capacity() int
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	pool      SandboxManager
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, pool SandboxManager) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		pool:   pool,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("pool.max_containers", cfg.Pool.MaxContainers),
		zap.String("pool.image_tag", cfg.Pool.ImageTag),
		zap.String("pool.base_image", cfg.Pool.BaseImage),
		zap.Int("exec.timeout_sec", cfg.Exec.TimeoutSec),
		zap.Int("limits.memory_mb", cfg.Limits.MemoryMB),
		zap.Bool("limits.network_enabled", cfg.Limits.NetworkEnabled),
		zap.Bool("sessions.enabled", cfg.Sessions.Enabled),
	)

	s.mcpServer = server.NewMCPServer("sandpool", "A per-user code execution sandbox pool")

	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	userIDProp := map[string]any{
		"type":        "string",
		"description": "Stable identifier of the owning user account",
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_init",
		Description: "Create an isolated sandbox container for a user",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"user_id": userIDProp,
			},
			Required: []string{"user_id"},
		},
	}, s.handleInit)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_execute",
		Description: "Execute code inside the user's sandbox and return captured output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"user_id": userIDProp,
				"code": map[string]any{
					"type":        "string",
					"description": "User-provided source code",
				},
			},
			Required: []string{"user_id", "code"},
		},
	}, s.handleExecute)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_exit",
		Description: "Stop and remove the user's sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"user_id": userIDProp,
			},
			Required: []string{"user_id"},
		},
	}, s.handleExit)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_status",
		Description: "Report sandbox status for a user and overall pool occupancy",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"user_id": userIDProp,
			},
			Required: []string{"user_id"},
		},
	}, s.handleStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_list",
		Description: "List all active sandboxes",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleList)
}

func (s *MCPServer) handleInit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return nil, fmt.Errorf("user_id parameter is required: %w", err)
	}

	if rec, ok := s.pool.Status(userID); ok {
		return jsonResult(map[string]any{
			"message":           "sandbox already exists",
			"container_id":      rec.ContainerID,
			"active_containers": s.pool.ActiveCount(),
			"max_containers":    s.pool.Capacity(),
		})
	}

	containerID, err := s.pool.Create(ctx, userID)
	if err != nil {
		s.logger.Error("sandbox creation failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"message":           "sandbox initialized",
		"container_id":      containerID,
		"active_containers": s.pool.ActiveCount(),
		"max_containers":    s.pool.Capacity(),
	})
}

func (s *MCPServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return nil, fmt.Errorf("user_id parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	s.logger.Info("code execution requested", zap.String("user_id", userID))

	result, err := s.pool.Execute(ctx, userID, code)
	if err != nil {
		if errors.Is(err, sandbox.ErrNoActiveContainer) {
			return jsonErrorResult(map[string]any{
				"error":      err.Error(),
				"needs_init": true,
			})
		}
		s.logger.Error("code execution failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return errorResult(err), nil
	}

	s.logger.Info("code execution completed",
		zap.String("user_id", userID),
		zap.Int("output_len", len(result.Output)),
		zap.Int("error_len", len(result.Error)))

	return jsonResult(map[string]any{
		"output": result.Output,
		"error":  result.Error,
	})
}

func (s *MCPServer) handleExit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return nil, fmt.Errorf("user_id parameter is required: %w", err)
	}

	if err := s.pool.Stop(ctx, userID); err != nil {
		s.logger.Error("sandbox stop failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return errorResult(err), nil
	}

	return jsonResult(map[string]any{
		"message":           "sandbox stopped",
		"active_containers": s.pool.ActiveCount(),
	})
}

func (s *MCPServer) handleStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return nil, fmt.Errorf("user_id parameter is required: %w", err)
	}

	status := map[string]any{
		"has_container":     false,
		"active_containers": s.pool.ActiveCount(),
		"max_containers":    s.pool.Capacity(),
		"can_create_new":    s.pool.HasCapacity(),
	}
	if rec, ok := s.pool.Status(userID); ok {
		status["has_container"] = true
		status["container_id"] = rec.ContainerID
		status["created_at"] = rec.CreatedAt
		if rec.HostPort > 0 {
			status["host_port"] = rec.HostPort
		}
	}

	return jsonResult(status)
}

func (s *MCPServer) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records := s.pool.ListActive()
	return jsonResult(map[string]any{
		"active_containers": len(records),
		"containers":        records,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func jsonErrorResult(v any) (*mcp.CallToolResult, error) {
	result, err := jsonResult(v)
	if err != nil {
		return nil, err
	}
	result.IsError = true
	return result, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: err.Error()},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}
