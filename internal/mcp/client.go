package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/tether/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// Server notifications announcing that a capability list changed.
const (
	NotifyToolsChanged     = "notifications/tools/list_changed"
	NotifyResourcesChanged = "notifications/resources/list_changed"
	NotifyPromptsChanged   = "notifications/prompts/list_changed"
)

// maxPages bounds cursor pagination against a server that never stops
// returning a next cursor.
const maxPages = 100

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is a parameterized resource as returned by
// resources/templates/list.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// Prompt is an MCP prompt as returned by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// ToolResult is the result payload of a tools/call response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// FirstText returns the first text block of the result.
func (r *ToolResult) FirstText() (string, bool) {
	if r == nil {
		return "", false
	}
	for _, b := range r.Content {
		if b.Type == "text" {
			return b.Text, true
		}
	}
	return "", false
}

// ServerInfo identifies the connected server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type listChanged struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities describes what an MCP server supports. A nil
// field means the server did not advertise that capability.
type ServerCapabilities struct {
	Tools     *listChanged `json:"tools,omitempty"`
	Resources *listChanged `json:"resources,omitempty"`
	Prompts   *listChanged `json:"prompts,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

type toolsPage struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type resourcesPage struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type templatesPage struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

type promptsPage struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Client connects to a single MCP server and provides typed access to
// the MCP protocol operations. Server notifications are delivered to
// callbacks registered with OnToolsChanged, OnResourcesChanged and
// OnPromptsChanged when the transport implements [NotificationSource].
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu           sync.RWMutex
	initialized  bool
	server       ServerInfo
	capabilities ServerCapabilities
	callbacks    map[string][]func()
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered (stdio or HTTP).
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		callbacks: make(map[string][]func()),
	}
	if src, ok := transport.(NotificationSource); ok {
		src.SetNotificationHandler(c.handleNotification)
	}
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "tether",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.server = result.ServerInfo
	c.capabilities = result.Capabilities
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Server returns the server identity reported during initialize.
func (c *Client) Server() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Capabilities returns what the server advertised during initialize.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// ListTools calls tools/list, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var tools []ToolDefinition
	err := c.paginate(ctx, "tools/list", func(raw json.RawMessage) (string, error) {
		var page toolsPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		tools = append(tools, page.Tools...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("listed MCP tools", "count", len(tools))
	return tools, nil
}

// ListResources calls resources/list, following pagination cursors.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	err := c.paginate(ctx, "resources/list", func(raw json.RawMessage) (string, error) {
		var page resourcesPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		resources = append(resources, page.Resources...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// ListResourceTemplates calls resources/templates/list, following
// pagination cursors.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	var templates []ResourceTemplate
	err := c.paginate(ctx, "resources/templates/list", func(raw json.RawMessage) (string, error) {
		var page templatesPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		templates = append(templates, page.ResourceTemplates...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// ListPrompts calls prompts/list, following pagination cursors.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	err := c.paginate(ctx, "prompts/list", func(raw json.RawMessage) (string, error) {
		var page promptsPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", err
		}
		prompts = append(prompts, page.Prompts...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// paginate issues method until the server stops returning a cursor.
// page decodes one result and returns the next cursor.
func (c *Client) paginate(ctx context.Context, method string, page func(json.RawMessage) (string, error)) error {
	cursor := ""
	for range maxPages {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := c.send(ctx, method, params)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}

		next, err := page(resp.Result)
		if err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	c.logger.Warn("pagination limit reached", "method", method, "pages", maxPages)
	return nil
}

// CallTool invokes a tool by name with the given arguments. A tool
// that ran but failed is reported through ToolResult.IsError, not as
// an error; errors mean the call itself did not complete.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result ToolResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			// Non-array content and similar shapes degrade to an
			// empty result rather than failing the call.
			c.logger.Debug("malformed tools/call result",
				"tool", name,
				"error", err,
			)
			var flag struct {
				IsError bool `json:"isError"`
			}
			_ = json.Unmarshal(resp.Result, &flag)
			result = ToolResult{IsError: flag.IsError}
		}
	}

	return &result, nil
}

// Ping checks whether the MCP server is responsive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// OnToolsChanged registers fn for notifications/tools/list_changed.
func (c *Client) OnToolsChanged(fn func()) { c.on(NotifyToolsChanged, fn) }

// OnResourcesChanged registers fn for notifications/resources/list_changed.
func (c *Client) OnResourcesChanged(fn func()) { c.on(NotifyResourcesChanged, fn) }

// OnPromptsChanged registers fn for notifications/prompts/list_changed.
func (c *Client) OnPromptsChanged(fn func()) { c.on(NotifyPromptsChanged, fn) }

func (c *Client) on(method string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[method] = append(c.callbacks[method], fn)
}

// handleNotification runs on the transport's read path. Callbacks must
// return promptly.
func (c *Client) handleNotification(method string, _ json.RawMessage) {
	c.mu.RLock()
	fns := c.callbacks[method]
	c.mu.RUnlock()

	if len(fns) == 0 {
		c.logger.Debug("ignoring MCP notification", "method", method)
		return
	}
	c.logger.Debug("MCP notification", "method", method)
	for _, fn := range fns {
		fn()
	}
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}
