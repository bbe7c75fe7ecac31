package toolloop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relayforge/llmrelay/internal/config"
	"github.com/relayforge/llmrelay/internal/observability"
	"github.com/relayforge/llmrelay/pkg/types"
)

const clientName = "llmrelay"

// MCPRegistry exposes the tools of one or more MCP servers as a single
// Executor. Tool names must be unique across servers; on a clash the first
// server to register wins and later ones are logged and skipped.
type MCPRegistry struct {
	mu      sync.RWMutex
	clients []*client.Client
	byTool  map[string]*client.Client
	schemas []types.Tool
	logger  *observability.Logger
}

// NewMCPRegistry connects to the configured servers over streamable HTTP
// and advertises their combined tool schemas.
func NewMCPRegistry(ctx context.Context, servers []config.MCPServerConfig, logger *observability.Logger) (*MCPRegistry, error) {
	r := &MCPRegistry{
		byTool: make(map[string]*client.Client),
		logger: logger,
	}

	for _, srv := range servers {
		httpTransport, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("mcp server %s: create transport: %w", srv.Name, err)
		}

		c := client.NewClient(httpTransport)
		if err := c.Start(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("mcp server %s: start transport: %w", srv.Name, err)
		}

		initReq := mcp.InitializeRequest{
			Params: mcp.InitializeParams{
				ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
				ClientInfo:      mcp.Implementation{Name: clientName},
			},
		}
		if _, err := c.Initialize(ctx, initReq); err != nil {
			r.Close()
			return nil, fmt.Errorf("mcp server %s: initialize: %w", srv.Name, err)
		}
		r.clients = append(r.clients, c)

		if err := r.register(ctx, srv.Name, c); err != nil {
			r.Close()
			return nil, err
		}
	}

	return r, nil
}

func (r *MCPRegistry) register(ctx context.Context, serverName string, c *client.Client) error {
	listReq := mcp.ListToolsRequest{
		PaginatedRequest: mcp.PaginatedRequest{
			Request: mcp.Request{Method: string(mcp.MethodToolsList)},
		},
	}
	resp, err := c.ListTools(ctx, listReq)
	if err != nil {
		return fmt.Errorf("mcp server %s: list tools: %w", serverName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range resp.Tools {
		name := resp.Tools[i].Name
		if _, taken := r.byTool[name]; taken {
			r.logger.Warn("duplicate tool name, keeping first registration",
				"tool", name, "server", serverName)
			continue
		}
		r.byTool[name] = c
		r.schemas = append(r.schemas, convertTool(&resp.Tools[i]))
	}
	return nil
}

// convertTool maps an MCP tool definition to the OpenAI function schema.
func convertTool(t *mcp.Tool) types.Tool {
	params := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	if len(t.InputSchema.Properties) > 0 {
		params["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		params["required"] = t.InputSchema.Required
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		paramsJSON = []byte(`{"type":"object","properties":{}}`)
	}

	return types.Tool{
		Type: "function",
		Function: types.ToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  paramsJSON,
		},
	}
}

// Tools returns the combined schemas for request advertisement.
func (r *MCPRegistry) Tools() []types.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Tool, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Execute implements Executor by dispatching to the owning MCP server.
func (r *MCPRegistry) Execute(ctx context.Context, name, arguments string) (string, error) {
	r.mu.RLock()
	c := r.byTool[name]
	r.mu.RUnlock()
	if c == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}

	callReq := mcp.CallToolRequest{
		Request: mcp.Request{Method: string(mcp.MethodToolsCall)},
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
	resp, err := c.CallTool(ctx, callReq)
	if err != nil {
		return "", fmt.Errorf("call tool: %w", err)
	}
	if resp != nil && resp.IsError {
		return "", fmt.Errorf("tool reported error: %s", extractText(resp, name))
	}
	return extractText(resp, name), nil
}

// extractText flattens an MCP tool result into plain text for the model.
func extractText(resp *mcp.CallToolResult, toolName string) string {
	if resp == nil {
		return fmt.Sprintf("tool %q executed", toolName)
	}

	var b strings.Builder
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			b.WriteString(c.Text)
		case mcp.ImageContent:
			fmt.Fprintf(&b, "[image: %s]", c.MIMEType)
		case mcp.AudioContent:
			fmt.Fprintf(&b, "[audio: %s]", c.MIMEType)
		default:
			if data, err := json.Marshal(content); err == nil {
				b.Write(data)
			}
		}
	}

	if b.Len() == 0 {
		return fmt.Sprintf("tool %q executed", toolName)
	}
	return strings.TrimSpace(b.String())
}

// Close shuts down every server connection.
func (r *MCPRegistry) Close() {
	for _, c := range r.clients {
		_ = c.Close()
	}
}
