package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/scout/internal/buildinfo"
)

// protocolVersion is the MCP revision advertised during initialize.
const protocolVersion = "2025-03-26"

// maxListPages bounds tools/list pagination against a server that keeps
// returning a cursor.
const maxListPages = 100

// ToolDefinition is one entry of a tools/list result.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one item of a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities struct {
		Tools *struct{} `json:"tools,omitempty"`
	} `json:"capabilities"`
}

// ToolError is returned by [Client.CallTool] when the server reports
// that the tool itself failed (isError in the result). The text is the
// tool's own description of the failure.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("MCP tool %s returned error: %s", e.Tool, e.Text)
}

// Client speaks MCP to a single server over a [Transport].
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu          sync.RWMutex
	initialized bool
	session     uint64 // transport session the handshake ran on
	serverName  string
	serverVer   string
	tools       []ToolDefinition
}

// NewClient creates a client for the named server.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// initialize. Both are empty before Initialize succeeds.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Initialize performs the handshake: initialize, then the
// notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "scout",
			"version": buildinfo.Get().Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	result, err := decodeResult[initializeResult](resp)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		c.logger.Debug("MCP server negotiated a different protocol version",
			"requested", protocolVersion,
			"negotiated", result.ProtocolVersion,
		)
	}
	if result.Capabilities.Tools == nil {
		c.logger.Warn("MCP server does not advertise the tools capability")
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	if st, ok := c.transport.(Sessioned); ok {
		c.session = st.Session()
	}
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools returns the server's tool catalog, following pagination
// cursors. The catalog is fetched once and cached.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	cached := c.tools
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	all := []ToolDefinition{}
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.send(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		result, err := decodeResult[toolsListResult](resp)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool and returns its text content. A result flagged
// isError comes back as a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	c.logger.Debug("calling MCP tool", "tool", name)
	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}
	result, err := decodeResult[callToolResult](resp)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", &ToolError{Tool: name, Text: text}
	}
	return text, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// send issues a request and surfaces JSON-RPC errors as *RPCError. If the
// transport has replaced the server since the handshake, the handshake
// is repeated first.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	if method != "initialize" && c.sessionReplaced() {
		c.logger.Info("MCP server connection was replaced, repeating handshake")
		if err := c.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	req := NewRequest(c.nextID.Add(1), method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

func (c *Client) sessionReplaced() bool {
	st, ok := c.transport.(Sessioned)
	if !ok {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized && st.Session() != c.session
}

// extractText joins text blocks. Other block types become inline
// markers so the model knows something was returned.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image", "audio":
			if b.MimeType != "" {
				parts = append(parts, fmt.Sprintf("[%s %s]", b.Type, b.MimeType))
			} else {
				parts = append(parts, fmt.Sprintf("[%s]", b.Type))
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
