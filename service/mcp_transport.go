package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tieubaoca/workspace-assistant/config"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

// ToolTransport lists and invokes remote tools.
type ToolTransport interface {
	ListTools(ctx context.Context) ([]types.ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

type mcpServer struct {
	name   string
	client *client.Client
}

// MCPTransport multiplexes several MCP servers. Tool names are routed to the
// server that advertised them.
type MCPTransport struct {
	logger *zap.Logger

	mu      sync.RWMutex
	servers []mcpServer
	routes  map[string]*client.Client
}

func NewMCPTransport(logger *zap.Logger) *MCPTransport {
	return &MCPTransport{
		logger: logger,
		routes: make(map[string]*client.Client),
	}
}

// DialMCPServers starts one stdio subprocess per configured server.
func DialMCPServers(ctx context.Context, servers []config.MCPServerConfig, logger *zap.Logger) (*MCPTransport, error) {
	t := NewMCPTransport(logger)
	for _, s := range servers {
		c, err := client.NewStdioMCPClient(s.Command, s.ExpandedEnv(), s.Args...)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("start tool server %s: %w", s.Name, err)
		}
		if err := t.Attach(ctx, s.Name, c); err != nil {
			c.Close()
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

// Attach initializes a started client and adds it to the transport.
func (t *MCPTransport) Attach(ctx context.Context, name string, c *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "workspace-assistant", Version: "1.0.0"}
	info, err := c.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("initialize tool server %s: %w", name, err)
	}
	t.mu.Lock()
	t.servers = append(t.servers, mcpServer{name: name, client: c})
	t.mu.Unlock()
	t.logger.Info("Tool server connected",
		zap.String("server", name),
		zap.String("implementation", info.ServerInfo.Name))
	return nil
}

func (t *MCPTransport) ListTools(ctx context.Context) ([]types.ToolSpec, error) {
	t.mu.RLock()
	servers := append([]mcpServer(nil), t.servers...)
	t.mu.RUnlock()

	var specs []types.ToolSpec
	routes := make(map[string]*client.Client)
	var errs []error
	for _, s := range servers {
		res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			errs = append(errs, fmt.Errorf("list tools of %s: %w", s.name, err))
			continue
		}
		for _, tool := range res.Tools {
			if _, dup := routes[tool.Name]; dup {
				t.logger.Warn("Duplicate tool name ignored", zap.String("tool", tool.Name), zap.String("server", s.name))
				continue
			}
			routes[tool.Name] = s.client
			specs = append(specs, types.ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  inputSchema(tool),
				Server:      s.name,
			})
		}
	}
	if len(specs) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		t.logger.Warn("Tool server unavailable", zap.Error(err))
	}

	t.mu.Lock()
	t.routes = routes
	t.mu.Unlock()
	return specs, nil
}

func inputSchema(tool mcp.Tool) map[string]any {
	raw, err := json.Marshal(tool)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

// CallTool invokes a tool and returns its text output. Tool-reported errors
// are returned as *types.ToolInvocationError.
func (t *MCPTransport) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	t.mu.RLock()
	c, ok := t.routes[name]
	t.mu.RUnlock()
	if !ok {
		return "", &types.ToolInvocationError{Tool: name, Err: errors.New("unknown tool")}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return "", &types.ToolInvocationError{Tool: name, Err: err}
	}
	text := toolText(res)
	if res.IsError {
		return "", &types.ToolInvocationError{Tool: name, Err: errors.New(text)}
	}
	return text, nil
}

func toolText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (t *MCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, s := range t.servers {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
		}
	}
	t.servers = nil
	t.routes = make(map[string]*client.Client)
	return errors.Join(errs...)
}
