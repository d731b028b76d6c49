package capability

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/tether/internal/mcp"
)

// MCPChannel adapts an [mcp.Client] to [Channel] and [Executor].
type MCPChannel struct {
	client *mcp.Client
	logger *slog.Logger
}

// NewMCPChannel wraps an initialized MCP client.
func NewMCPChannel(client *mcp.Client, logger *slog.Logger) *MCPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPChannel{client: client, logger: logger}
}

// unsupported turns "method not found" into an empty list: a server
// that does not implement a list method simply has none of that kind.
func (c *MCPChannel) unsupported(method string, err error) bool {
	if errors.Is(err, mcp.ErrMethodNotFound) {
		c.logger.Debug("server does not support list method", "method", method)
		return true
	}
	return false
}

// ListTools lists the server's tools.
func (c *MCPChannel) ListTools(ctx context.Context) ([]Capability, error) {
	defs, err := c.client.ListTools(ctx)
	if err != nil {
		if c.unsupported("tools/list", err) {
			return []Capability{}, nil
		}
		return nil, err
	}
	out := make([]Capability, 0, len(defs))
	for _, d := range defs {
		out = append(out, Capability{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out, nil
}

// ListResources lists resources and resource templates.
func (c *MCPChannel) ListResources(ctx context.Context) ([]Capability, []Capability, error) {
	res, err := c.client.ListResources(ctx)
	if err != nil && !c.unsupported("resources/list", err) {
		return nil, nil, err
	}
	resources := make([]Capability, 0, len(res))
	for _, r := range res {
		resources = append(resources, Capability{
			Name:        r.Name,
			Description: r.Description,
			URI:         r.URI,
			MIMEType:    r.MIMEType,
		})
	}

	tpl, err := c.client.ListResourceTemplates(ctx)
	if err != nil && !c.unsupported("resources/templates/list", err) {
		return nil, nil, err
	}
	templates := make([]Capability, 0, len(tpl))
	for _, t := range tpl {
		templates = append(templates, Capability{
			Name:        t.Name,
			Description: t.Description,
			URITemplate: t.URITemplate,
			MIMEType:    t.MIMEType,
		})
	}
	return resources, templates, nil
}

// ListPrompts lists the server's prompts.
func (c *MCPChannel) ListPrompts(ctx context.Context) ([]Capability, error) {
	prompts, err := c.client.ListPrompts(ctx)
	if err != nil {
		if c.unsupported("prompts/list", err) {
			return []Capability{}, nil
		}
		return nil, err
	}
	out := make([]Capability, 0, len(prompts))
	for _, p := range prompts {
		args := make([]Argument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, Argument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		out = append(out, Capability{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   args,
		})
	}
	return out, nil
}

// Execute calls the named tool. The first text block becomes the
// result text.
func (c *MCPChannel) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	res, err := c.client.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	text, found := res.FirstText()
	return &Result{IsError: res.IsError, Text: text, HasText: found}, nil
}

// OnToolsChanged implements [Channel].
func (c *MCPChannel) OnToolsChanged(fn func()) { c.client.OnToolsChanged(fn) }

// OnResourcesChanged implements [Channel].
func (c *MCPChannel) OnResourcesChanged(fn func()) { c.client.OnResourcesChanged(fn) }

// OnPromptsChanged implements [Channel].
func (c *MCPChannel) OnPromptsChanged(fn func()) { c.client.OnPromptsChanged(fn) }
